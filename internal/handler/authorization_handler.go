package handler

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/internal/repository"
	"github.com/securitize-io/dstoken-sub004/internal/service"
)

// AuthorizationService 授权服务接口
type AuthorizationService interface {
	AuthorizeThreshold(ctx context.Context, req *model.AuthorizationRequest) (*service.Authorization, error)
	PreApprove(ctx context.Context, req *model.AuthorizationRequest) (*service.Authorization, error)
	ComputeDigest(ctx context.Context, req *model.AuthorizationRequest) (*service.DigestResult, error)
	Get(ctx context.Context, requestID string) (*service.Authorization, error)
	List(ctx context.Context, filter *repository.AuthorizationFilter, page *repository.Pagination) ([]*service.Authorization, error)
	Submit(ctx context.Context, requestID string) (*service.Authorization, error)
	Refresh(ctx context.Context, requestID string) (*service.Authorization, error)
}

// AuthorizationHandler 授权处理器
type AuthorizationHandler struct {
	svc AuthorizationService
}

// NewAuthorizationHandler 创建授权处理器
func NewAuthorizationHandler(svc AuthorizationService) *AuthorizationHandler {
	return &AuthorizationHandler{svc: svc}
}

// CreateAuthorization 多签授权
// POST /api/v1/authorizations
func (h *AuthorizationHandler) CreateAuthorization(c *gin.Context) {
	req, ok := bindRequest(c)
	if !ok {
		return
	}
	req.Mode = model.AuthorizationModeThreshold

	a, err := h.svc.AuthorizeThreshold(c.Request.Context(), req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, a)
}

// CreatePreApproval 预批准
// POST /api/v1/preapprovals
func (h *AuthorizationHandler) CreatePreApproval(c *gin.Context) {
	req, ok := bindRequest(c)
	if !ok {
		return
	}
	req.Mode = model.AuthorizationModePreApproval

	a, err := h.svc.PreApprove(c.Request.Context(), req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, a)
}

// ComputeDigest 只计算摘要
// POST /api/v1/digests
func (h *AuthorizationHandler) ComputeDigest(c *gin.Context) {
	req, ok := bindRequest(c)
	if !ok {
		return
	}

	d, err := h.svc.ComputeDigest(c.Request.Context(), req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, d)
}

// GetAuthorization 查询授权
// GET /api/v1/authorizations/:id
func (h *AuthorizationHandler) GetAuthorization(c *gin.Context) {
	a, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, a)
}

// ListAuthorizations 分页查询授权
// GET /api/v1/authorizations
func (h *AuthorizationHandler) ListAuthorizations(c *gin.Context) {
	filter := &repository.AuthorizationFilter{
		VerifyingContract: strings.ToLower(c.Query("contract")),
		Mode:              model.AuthorizationMode(c.Query("mode")),
	}
	if filter.Mode != "" && !filter.Mode.Valid() {
		BadRequest(c, "invalid mode")
		return
	}
	if s := c.Query("status"); s != "" {
		status, ok := parseStatus(s)
		if !ok {
			BadRequest(c, "invalid status")
			return
		}
		filter.Status = &status
	}

	page := &repository.Pagination{Page: 1, PageSize: 20}
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page.Page = p
	}
	if ps, err := strconv.Atoi(c.Query("page_size")); err == nil && ps > 0 && ps <= 100 {
		page.PageSize = ps
	}

	items, err := h.svc.List(c.Request.Context(), filter, page)
	if err != nil {
		Error(c, err)
		return
	}
	SuccessPaged(c, items, page.Total, page.Page, page.PageSize)
}

// SubmitAuthorization 提交上链
// POST /api/v1/authorizations/:id/submit
func (h *AuthorizationHandler) SubmitAuthorization(c *gin.Context) {
	a, err := h.svc.Submit(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, a)
}

// RefreshAuthorization 查询上链结果
// POST /api/v1/authorizations/:id/refresh
func (h *AuthorizationHandler) RefreshAuthorization(c *gin.Context) {
	a, err := h.svc.Refresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, a)
}

func bindRequest(c *gin.Context) (*model.AuthorizationRequest, bool) {
	var req model.AuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return nil, false
	}
	if req.RequestID == "" {
		req.RequestID = c.GetHeader("Idempotency-Key")
	}
	return &req, true
}

func parseStatus(s string) (model.AuthorizationStatus, bool) {
	for _, st := range []model.AuthorizationStatus{
		model.AuthorizationStatusPending,
		model.AuthorizationStatusSigned,
		model.AuthorizationStatusSubmitted,
		model.AuthorizationStatusConfirmed,
		model.AuthorizationStatusFailed,
	} {
		if strings.EqualFold(st.String(), s) {
			return st, true
		}
	}
	return 0, false
}

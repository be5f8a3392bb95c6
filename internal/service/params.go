package service

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	bizerrors "github.com/securitize-io/dstoken-sub004/pkg/errors"
)

// parseUint 解析十进制或 0x 十六进制整数，空串为 0
// 范围检查交给摘要编码器，超出 uint256 时返回 ErrValueOverflow
func parseUint(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("invalid %s: %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, bizerrors.Wrap(bizerrors.ErrValueOverflow, fmt.Errorf("%s is negative", field))
	}
	return v, nil
}

// parseOptionalAddress 空串表示零地址
func parseOptionalAddress(s string) (common.Address, error) {
	if strings.TrimSpace(s) == "" {
		return common.Address{}, nil
	}
	return eip712.ParseAddress(s)
}

// resolveLayout 布局由目标合约决定：多签钱包只校验基础布局，中继合约只校验扩展布局
func resolveLayout(mode model.AuthorizationMode, s string) (eip712.Layout, error) {
	want := eip712.LayoutBase
	if mode == model.AuthorizationModePreApproval {
		want = eip712.LayoutExtended
	}
	if strings.TrimSpace(s) == "" {
		return want, nil
	}
	layout, err := eip712.ParseLayout(s)
	if err != nil {
		return 0, err
	}
	if layout != want {
		return 0, bizerrors.ErrLayoutMismatch.WithMessagef("%s mode requires the %s layout, got %s", mode, want, layout)
	}
	return layout, nil
}

// buildParams 将请求转换为动作参数，Nonce 由调用方填入
func (s *AuthorizationService) buildParams(req *model.AuthorizationRequest) (*eip712.ActionParameters, error) {
	params := &eip712.ActionParameters{}
	var err error

	switch {
	case req.Call != nil:
		if req.Data != "" {
			return nil, bizerrors.ErrInvalidRequest.WithMessagef("data and call are mutually exclusive")
		}
		if s.token == nil {
			return nil, bizerrors.ErrInvalidRequest.WithMessagef("token contract not configured")
		}
		to, err := eip712.ParseAddress(req.Call.To)
		if err != nil {
			return nil, err
		}
		params.Data, err = s.token.PackCall(req.Call.Method, to, req.Call.Amount)
		if err != nil {
			return nil, bizerrors.Wrap(bizerrors.ErrInvalidRequest, err)
		}
		if req.Destination == "" {
			params.Destination = s.tokenAddress
		}
	case req.Data != "":
		params.Data, err = hexutil.Decode(req.Data)
		if err != nil {
			return nil, bizerrors.ErrInvalidRequest.WithMessagef("invalid data: %v", err)
		}
	}

	if req.Destination != "" {
		if params.Destination, err = eip712.ParseAddress(req.Destination); err != nil {
			return nil, err
		}
	}
	if params.Destination == (common.Address{}) {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("destination is required")
	}
	if params.Executor, err = parseOptionalAddress(req.Executor); err != nil {
		return nil, err
	}
	if params.Value, err = parseUint("value", req.Value); err != nil {
		return nil, err
	}
	if params.GasLimit, err = parseUint("gas_limit", req.GasLimit); err != nil {
		return nil, err
	}

	if req.InvestorID != nil {
		id := *req.InvestorID
		params.InvestorID = &id
	}
	if req.BlockLimit != nil {
		if params.BlockLimit, err = parseUint("block_limit", *req.BlockLimit); err != nil {
			return nil, err
		}
	}
	return params, nil
}

// paramsFromRecord 从已签名记录还原动作参数
func paramsFromRecord(rec *model.AuthorizationRecord) (*eip712.ActionParameters, error) {
	var (
		params = &eip712.ActionParameters{
			Destination: common.HexToAddress(rec.Destination),
			Executor:    common.HexToAddress(rec.Executor),
			InvestorID:  rec.InvestorID,
		}
		err error
	)
	if params.Value, err = parseUint("value", rec.Value); err != nil {
		return nil, err
	}
	if params.GasLimit, err = parseUint("gas_limit", rec.GasLimit); err != nil {
		return nil, err
	}
	if params.Nonce, err = parseUint("nonce", rec.Nonce); err != nil {
		return nil, err
	}
	if rec.BlockLimit != nil {
		if params.BlockLimit, err = parseUint("block_limit", *rec.BlockLimit); err != nil {
			return nil, err
		}
	}
	if params.Data, err = hexutil.Decode(rec.Data); err != nil {
		return nil, fmt.Errorf("decode stored data: %w", err)
	}
	return params, nil
}

// newRecord 构建待持久化的授权记录
func newRecord(requestID string, mode model.AuthorizationMode, layout eip712.Layout, domain *eip712.SigningDomain, params *eip712.ActionParameters, digest common.Hash) *model.AuthorizationRecord {
	rec := &model.AuthorizationRecord{
		RequestID:         requestID,
		Mode:              mode,
		Layout:            layout.String(),
		ChainID:           domain.ChainID.Int64(),
		VerifyingContract: strings.ToLower(domain.VerifyingContract.Hex()),
		Nonce:             params.Nonce.String(),
		Destination:       params.Destination.Hex(),
		Executor:          params.Executor.Hex(),
		Value:             params.Value.String(),
		GasLimit:          params.GasLimit.String(),
		Data:              hexutil.Encode(params.Data),
		InvestorID:        params.InvestorID,
		Digest:            digest.Hex(),
		Status:            model.AuthorizationStatusSigned,
	}
	if params.BlockLimit != nil {
		bl := params.BlockLimit.String()
		rec.BlockLimit = &bl
	}
	return rec
}

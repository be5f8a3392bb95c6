package model

import (
	"encoding/json"
	"fmt"

	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

// AuthorizationMode 授权模式
type AuthorizationMode string

const (
	AuthorizationModeThreshold   AuthorizationMode = "threshold"   // N-of-M 多签
	AuthorizationModePreApproval AuthorizationMode = "preapproval" // 中继合约单签预批准
)

// Valid 是否为已知模式
func (m AuthorizationMode) Valid() bool {
	return m == AuthorizationModeThreshold || m == AuthorizationModePreApproval
}

// AuthorizationStatus 授权状态
type AuthorizationStatus int8

const (
	AuthorizationStatusPending   AuthorizationStatus = 0 // 待签名
	AuthorizationStatusSigned    AuthorizationStatus = 1 // 已签名
	AuthorizationStatusSubmitted AuthorizationStatus = 2 // 已提交上链
	AuthorizationStatusConfirmed AuthorizationStatus = 3 // 链上已确认
	AuthorizationStatusFailed    AuthorizationStatus = 4 // 失败
)

func (s AuthorizationStatus) String() string {
	switch s {
	case AuthorizationStatusPending:
		return "PENDING"
	case AuthorizationStatusSigned:
		return "SIGNED"
	case AuthorizationStatusSubmitted:
		return "SUBMITTED"
	case AuthorizationStatusConfirmed:
		return "CONFIRMED"
	case AuthorizationStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// CanSubmit 已签名或提交失败的授权可以（重新）提交
func (s AuthorizationStatus) CanSubmit() bool {
	return s == AuthorizationStatusSigned || s == AuthorizationStatusFailed
}

// AuthorizationRecord 一次签名轮次的结果
// (verifying_contract, chain_id, nonce) 唯一，同一 nonce 不能用于两个不同动作
type AuthorizationRecord struct {
	ID                int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID         string              `gorm:"column:request_id;type:varchar(64);uniqueIndex;not null" json:"request_id"`
	Mode              AuthorizationMode   `gorm:"column:mode;type:varchar(16);not null" json:"mode"`
	Layout            string              `gorm:"column:layout;type:varchar(16);not null" json:"layout"`
	ChainID           int64               `gorm:"column:chain_id;type:bigint;not null;uniqueIndex:uk_authorization_nonce" json:"chain_id"`
	VerifyingContract string              `gorm:"column:verifying_contract;type:varchar(42);not null;uniqueIndex:uk_authorization_nonce" json:"verifying_contract"`
	Nonce             string              `gorm:"column:nonce;type:varchar(78);not null;uniqueIndex:uk_authorization_nonce" json:"nonce"`
	Destination       string              `gorm:"column:destination;type:varchar(42);not null" json:"destination"`
	Executor          string              `gorm:"column:executor;type:varchar(42);not null" json:"executor"`
	Value             string              `gorm:"column:value;type:varchar(78);not null" json:"value"`
	GasLimit          string              `gorm:"column:gas_limit;type:varchar(78);not null" json:"gas_limit"`
	Data              string              `gorm:"column:data;type:text;not null" json:"data"`
	InvestorID        *string             `gorm:"column:investor_id;type:varchar(128)" json:"investor_id,omitempty"`
	BlockLimit        *string             `gorm:"column:block_limit;type:varchar(78)" json:"block_limit,omitempty"`
	Digest            string              `gorm:"column:digest;type:varchar(66);index;not null" json:"digest"`
	Signatures        string              `gorm:"column:signatures;type:text;not null" json:"-"`
	Status            AuthorizationStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	TxHash            string              `gorm:"column:tx_hash;type:varchar(66)" json:"tx_hash,omitempty"`
	ErrorMessage      string              `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt         int64               `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt         int64               `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (AuthorizationRecord) TableName() string {
	return "dstoken_authorizations"
}

// SetBundle 保存多签结果
func (r *AuthorizationRecord) SetBundle(b *signer.SignatureBundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	r.Signatures = string(data)
	return nil
}

// Bundle 解析多签结果
func (r *AuthorizationRecord) Bundle() (*signer.SignatureBundle, error) {
	if r.Mode != AuthorizationModeThreshold {
		return nil, fmt.Errorf("record %s is %s, not threshold", r.RequestID, r.Mode)
	}
	var b signer.SignatureBundle
	if err := json.Unmarshal([]byte(r.Signatures), &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// SetTriple 保存预批准签名
func (r *AuthorizationRecord) SetTriple(t signer.SignatureTriple) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	r.Signatures = string(data)
	return nil
}

// Triple 解析预批准签名
func (r *AuthorizationRecord) Triple() (signer.SignatureTriple, error) {
	var t signer.SignatureTriple
	if r.Mode != AuthorizationModePreApproval {
		return t, fmt.Errorf("record %s is %s, not preapproval", r.RequestID, r.Mode)
	}
	if err := json.Unmarshal([]byte(r.Signatures), &t); err != nil {
		return t, fmt.Errorf("decode signature: %w", err)
	}
	return t, nil
}

// TokenCall 由服务端编码的 DSToken 调用
type TokenCall struct {
	Method string `json:"method"` // transfer, issueTokens
	To     string `json:"to"`
	Amount string `json:"amount"` // 十进制代币数量，按 token_decimals 换算
}

// AuthorizationRequest 授权请求 (HTTP / Kafka)
type AuthorizationRequest struct {
	RequestID   string            `json:"request_id"`
	Mode        AuthorizationMode `json:"mode"`
	Layout      string            `json:"layout,omitempty"`
	Destination string            `json:"destination"`
	Value       string            `json:"value,omitempty"`
	Data        string            `json:"data,omitempty"` // 0x 十六进制 calldata
	Call        *TokenCall        `json:"call,omitempty"` // 与 Data 二选一
	Nonce       *string           `json:"nonce,omitempty"`
	Executor    string            `json:"executor"`
	GasLimit    string            `json:"gas_limit"`
	InvestorID  *string           `json:"investor_id,omitempty"`
	BlockLimit  *string           `json:"block_limit,omitempty"`
	Signers     []string          `json:"signers,omitempty"`
}

// BundleEvent 签名完成事件
type BundleEvent struct {
	RequestID         string                  `json:"request_id"`
	Mode              AuthorizationMode       `json:"mode"`
	ChainID           int64                   `json:"chain_id"`
	VerifyingContract string                  `json:"verifying_contract"`
	Nonce             string                  `json:"nonce"`
	Digest            string                  `json:"digest"`
	Bundle            *signer.SignatureBundle `json:"bundle,omitempty"`
	PreApproval       *signer.SignatureTriple `json:"pre_approval,omitempty"`
	Timestamp         int64                   `json:"timestamp"`
}

package harness

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Region 合规计数使用的投资人地区
type Region int

const (
	RegionOther Region = iota
	RegionUS
	RegionEU
	RegionJP
)

func (r Region) String() string {
	switch r {
	case RegionUS:
		return "US"
	case RegionEU:
		return "EU"
	case RegionJP:
		return "JP"
	default:
		return "OTHER"
	}
}

var euCountries = map[string]struct{}{
	"AT": {}, "BE": {}, "BG": {}, "HR": {}, "CY": {}, "CZ": {}, "DK": {}, "EE": {}, "FI": {},
	"FR": {}, "DE": {}, "GR": {}, "HU": {}, "IE": {}, "IT": {}, "LV": {}, "LT": {}, "LU": {},
	"MT": {}, "NL": {}, "PL": {}, "PT": {}, "RO": {}, "SK": {}, "SI": {}, "ES": {}, "SE": {},
}

// Investor 投资人夹具
type Investor struct {
	ID         string
	Country    string
	Accredited bool
	Wallet     common.Address
}

// NewInvestor 创建投资人，钱包地址由 id 确定性派生
func NewInvestor(id, country string, accredited bool) Investor {
	return Investor{
		ID:         id,
		Country:    strings.ToUpper(country),
		Accredited: accredited,
		Wallet:     common.BytesToAddress(crypto.Keccak256([]byte("wallet:" + id))[12:]),
	}
}

// Region 投资人所在地区
func (i Investor) Region() Region {
	switch i.Country {
	case "US":
		return RegionUS
	case "JP":
		return RegionJP
	}
	if _, ok := euCountries[i.Country]; ok {
		return RegionEU
	}
	return RegionOther
}

// Counters 合规计数的期望值
//
// 每个测试用例创建自己的 Counters 并以指针传给辅助函数，不在测试之间共享。
type Counters struct {
	Total        int
	US           int
	USAccredited int
	EURetail     int
	JP           int
	Accredited   int
}

// NewCounters 创建空计数
func NewCounters() *Counters {
	return &Counters{}
}

// Add 登记一个投资人
func (c *Counters) Add(inv Investor) {
	c.apply(inv, 1)
}

// Remove 注销一个投资人
func (c *Counters) Remove(inv Investor) {
	c.apply(inv, -1)
}

func (c *Counters) apply(inv Investor, delta int) {
	c.Total += delta
	if inv.Accredited {
		c.Accredited += delta
	}
	switch inv.Region() {
	case RegionUS:
		c.US += delta
		if inv.Accredited {
			c.USAccredited += delta
		}
	case RegionEU:
		if !inv.Accredited {
			c.EURetail += delta
		}
	case RegionJP:
		c.JP += delta
	}
}

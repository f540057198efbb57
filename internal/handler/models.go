package handler

// 通用响应结构
type Response struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
	TxHash  string      `json:"tx_hash,omitempty"`
	Data    interface{} `json:"data"`
}

// 分页信息结构
type Pagination struct {
	Page      int   `json:"page"`
	PageSize  int   `json:"page_size"`
	Total     int64 `json:"total"`
	TotalPage int64 `json:"total_page"`
}

// ClaimRequest 领取请求体
type ClaimRequest struct {
	Fid         int64  `json:"fid"`
	Address     string `json:"address" binding:"required"`
	ClaimSource string `json:"claim_source" binding:"required"`
	Program     string `json:"program" binding:"required"`
	OptionType  string `json:"option_type"`
}

// ClaimStatusResponse 领取状态
type ClaimStatusResponse struct {
	Claimed   bool   `json:"claimed"`
	Address   string `json:"address"`
	Fid       int64  `json:"fid"`
	Program   string `json:"program"`
	TxHash    string `json:"tx_hash,omitempty"`
	ClaimedAt string `json:"claimed_at,omitempty"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return Pagination{
		Page:      page,
		PageSize:  pageSize,
		Total:     total,
		TotalPage: (total + int64(pageSize) - 1) / int64(pageSize),
	}
}

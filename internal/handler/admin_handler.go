package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/sorapool/internal/pkg/response"
	"github.com/Wei-Shaw/sorapool/internal/service"
)

// AdminHandler 账号与运行时配置的管理入口。
type AdminHandler struct {
	accounts    *service.AccountService
	concurrency *service.ConcurrencyService
	cache       *service.FileCacheService
	watermark   *service.WatermarkService
	tasks       service.TaskRepository
}

func NewAdminHandler(
	accounts *service.AccountService,
	concurrency *service.ConcurrencyService,
	cache *service.FileCacheService,
	watermark *service.WatermarkService,
	tasks service.TaskRepository,
) *AdminHandler {
	return &AdminHandler{
		accounts:    accounts,
		concurrency: concurrency,
		cache:       cache,
		watermark:   watermark,
		tasks:       tasks,
	}
}

// CreateAccountRequest 登记账号请求。
type CreateAccountRequest struct {
	Email          string `json:"email"`
	AccessToken    string `json:"access_token" binding:"required"`
	RefreshToken   string `json:"refresh_token"`
	Sora2Supported bool   `json:"sora2_supported"`
	Sora2Remaining *int   `json:"sora2_remaining"`
	ImageLimit     *int   `json:"image_limit"`
	VideoLimit     *int   `json:"video_limit"`
}

// CreateAccount POST /api/admin/accounts
func (h *AdminHandler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}

	account := &service.Account{
		Email:          req.Email,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		Enabled:        true,
		Sora2Supported: req.Sora2Supported,
		Sora2Remaining: service.Sora2QuotaUntracked,
		ImageLimit:     service.ConcurrencyUnlimited,
		VideoLimit:     service.ConcurrencyUnlimited,
	}
	if req.Sora2Remaining != nil {
		account.Sora2Remaining = *req.Sora2Remaining
	}
	if req.ImageLimit != nil {
		account.ImageLimit = *req.ImageLimit
	}
	if req.VideoLimit != nil {
		account.VideoLimit = *req.VideoLimit
	}

	if err := h.accounts.Create(c.Request.Context(), account); err != nil {
		response.Error(c, http.StatusInternalServerError, "创建账号失败: "+err.Error())
		return
	}
	h.concurrency.Register(account.ID, account.ImageLimit, account.VideoLimit)
	response.Success(c, account)
}

// ListAccounts GET /api/admin/accounts
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	list, err := h.accounts.List(c.Request.Context(), service.AccountFilter{})
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "查询账号失败: "+err.Error())
		return
	}
	type accountView struct {
		*service.Account
		ImageInUse int `json:"image_in_use"`
		VideoInUse int `json:"video_in_use"`
	}
	views := make([]accountView, 0, len(list))
	for _, acct := range list {
		img, vid := h.concurrency.InUse(acct.ID)
		views = append(views, accountView{Account: acct, ImageInUse: img, VideoInUse: vid})
	}
	response.Success(c, views)
}

// DeleteAccount DELETE /api/admin/accounts/:id
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.accounts.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			response.Error(c, http.StatusNotFound, "账号不存在")
			return
		}
		response.Error(c, http.StatusInternalServerError, "删除账号失败: "+err.Error())
		return
	}
	h.concurrency.Remove(id)
	response.Success(c, gin.H{"deleted": id})
}

// SetAccountEnabled PUT /api/admin/accounts/:id/enabled
func (h *AdminHandler) SetAccountEnabled(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}
	if err := h.accounts.SetEnabled(c.Request.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			response.Error(c, http.StatusNotFound, "账号不存在")
			return
		}
		response.Error(c, http.StatusInternalServerError, "更新账号失败: "+err.Error())
		return
	}
	response.Success(c, gin.H{"id": id, "enabled": req.Enabled})
}

// SetAccountLimits PUT /api/admin/accounts/:id/limits
func (h *AdminHandler) SetAccountLimits(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req struct {
		ImageLimit int `json:"image_limit"`
		VideoLimit int `json:"video_limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}
	if err := h.accounts.SetConcurrencyLimits(c.Request.Context(), id, req.ImageLimit, req.VideoLimit); err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			response.Error(c, http.StatusNotFound, "账号不存在")
			return
		}
		response.Error(c, http.StatusInternalServerError, "更新并发上限失败: "+err.Error())
		return
	}
	h.concurrency.ResetLimits(id, req.ImageLimit, req.VideoLimit)
	response.Success(c, gin.H{"id": id})
}

// GetCacheConfig GET /api/admin/cache-config
func (h *AdminHandler) GetCacheConfig(c *gin.Context) {
	settings := h.cache.Settings()
	response.Success(c, gin.H{
		"enabled":     settings.Enabled,
		"ttl_seconds": int(settings.TTL / time.Second),
		"base_url":    settings.BaseURL,
	})
}

// UpdateCacheConfig PUT /api/admin/cache-config
func (h *AdminHandler) UpdateCacheConfig(c *gin.Context) {
	var req struct {
		Enabled    bool   `json:"enabled"`
		TTLSeconds int    `json:"ttl_seconds"`
		BaseURL    string `json:"base_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}
	h.cache.UpdateSettings(service.CacheSettings{
		Enabled: req.Enabled,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
		BaseURL: req.BaseURL,
	})
	h.GetCacheConfig(c)
}

// GetWatermarkConfig GET /api/admin/watermark-config
func (h *AdminHandler) GetWatermarkConfig(c *gin.Context) {
	response.Success(c, h.watermark.Settings())
}

// UpdateWatermarkConfig PUT /api/admin/watermark-config
func (h *AdminHandler) UpdateWatermarkConfig(c *gin.Context) {
	var settings service.WatermarkSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		response.Error(c, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}
	h.watermark.UpdateSettings(settings)
	response.Success(c, settings)
}

// ListTasks GET /api/admin/tasks
func (h *AdminHandler) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	tasks, err := h.tasks.ListRecent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "查询任务失败: "+err.Error())
		return
	}
	response.Success(c, tasks)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, http.StatusBadRequest, "无效的账号 id")
		return 0, false
	}
	return id, true
}

package httptransport

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mailtrack/backend/internal/config"
	"mailtrack/backend/internal/service"
)

// pixelGIF 是 1x1 透明 GIF
var pixelGIF = mustDecodePixel("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

func mustDecodePixel(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// TrackingHandler 处理追踪像素与追踪配置接口
type TrackingHandler struct {
	tracking *service.TrackingService
	cfg      *config.Config
}

// NewTrackingHandler 创建追踪处理器
func NewTrackingHandler(tracking *service.TrackingService, cfg *config.Config) *TrackingHandler {
	return &TrackingHandler{tracking: tracking, cfg: cfg}
}

// Pixel GET /api/track/:trackingId
//
// 无论追踪ID是否存在、记录是否更新成功，都返回同样的图片。
func (h *TrackingHandler) Pixel(c *gin.Context) {
	h.tracking.HandlePixel(c.Request.Context(), c.Param("trackingId"))

	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Header("Content-Length", strconv.Itoa(len(pixelGIF)))
	c.Data(http.StatusOK, "image/gif", pixelGIF)
}

type trackingConfigResponse struct {
	TrackingBaseURL string `json:"trackingBaseUrl"`
	TrackingPath    string `json:"trackingPath"`
	IsLocalhost     bool   `json:"isLocalhost"`
	Warning         string `json:"warning,omitempty"`
}

// DebugConfig GET /api/debug/config
func (h *TrackingHandler) DebugConfig(c *gin.Context) {
	resp := trackingConfigResponse{
		TrackingBaseURL: h.cfg.Tracking.BaseURL,
		TrackingPath:    "/api/track/:trackingId",
		IsLocalhost:     h.cfg.IsLocalTrackingURL(),
	}
	if resp.IsLocalhost {
		resp.Warning = "Tracking base URL is only reachable from this machine; opens by external recipients will not be recorded"
	}
	c.JSON(http.StatusOK, resp)
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"planetchat/internal/auth"
	"planetchat/internal/broker"
	"planetchat/internal/chatstore"
	coreerrors "planetchat/internal/core/errors"
	"planetchat/internal/pager"
	"planetchat/internal/ratelimit"
	"planetchat/internal/receipts"

	"github.com/gorilla/mux"
)

// Handler 读模型 HTTP 接口
// 历史分页与已读统计走这里；实时事件走 websocket 网关
type Handler struct {
	auth    *auth.Authenticator
	pager   *pager.Pager
	tracker *receipts.Tracker
	store   chatstore.Store
	bridge  *broker.Bridge
	limiter *ratelimit.Limiter
	nodeID  string
}

// NewHandler 创建接口处理器
func NewHandler(a *auth.Authenticator, pg *pager.Pager, tracker *receipts.Tracker,
	store chatstore.Store, bridge *broker.Bridge, limiter *ratelimit.Limiter, nodeID string) *Handler {
	return &Handler{
		auth:    a,
		pager:   pg,
		tracker: tracker,
		store:   store,
		bridge:  bridge,
		limiter: limiter,
		nodeID:  nodeID,
	}
}

// Routes 注册全部路由
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/planets/{id}/messages", h.withAuth(h.handleMessages)).Methods(http.MethodGet)
	v1.HandleFunc("/planets/{id}/read-all", h.withAuth(h.handleReadAll)).Methods(http.MethodPost)
	v1.HandleFunc("/planets/{id}/unread-count", h.withAuth(h.handleUnreadCount)).Methods(http.MethodGet)
	v1.HandleFunc("/messages/read", h.withAuth(h.handleMarkRead)).Methods(http.MethodPost)
	v1.HandleFunc("/messages/read-multiple", h.withAuth(h.handleMarkMultiRead)).Methods(http.MethodPost)
	v1.HandleFunc("/unread-counts/my", h.withAuth(h.handleUnreadCounts)).Methods(http.MethodGet)
	v1.HandleFunc("/planets/{id}/rate-limit", h.withAuth(h.handleGetOverride)).Methods(http.MethodGet)
	v1.HandleFunc("/planets/{id}/rate-limit", h.withAuth(h.handleSetOverride)).Methods(http.MethodPut)
	return r
}

type authedHandler func(w http.ResponseWriter, r *http.Request, identity *auth.Identity)

// withAuth Bearer 令牌校验中间件
func (h *Handler) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		identity, err := h.auth.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, identity)
	}
}

// requireMember 房间存在与成员资格检查
func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, planetID, userID string) bool {
	if _, err := h.store.GetPlanet(r.Context(), planetID); err != nil {
		writeError(w, err)
		return false
	}
	member, err := h.store.IsMember(r.Context(), planetID, userID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if !member {
		writeErrorCode(w, coreerrors.CodeNotMember, "not a member of planet "+planetID)
		return false
	}
	return true
}

// GET /api/v1/planets/{id}/messages
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	planetID := mux.Vars(r)["id"]
	if !h.requireMember(w, r, planetID, identity.UserID) {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	direction := pager.Desc
	if r.URL.Query().Get("direction") == string(pager.Asc) {
		direction = pager.Asc
	}

	page, err := h.pager.Page(r.Context(), pager.Request{
		PlanetID:  planetID,
		Cursor:    r.URL.Query().Get("cursor"),
		Limit:     limit,
		Direction: direction,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, page)
}

type markReadRequest struct {
	MessageID int64 `json:"message_id"`
}

// POST /api/v1/messages/read
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == 0 {
		writeErrorCode(w, coreerrors.CodeValidationError, "message_id is required")
		return
	}

	receipt, err := h.tracker.MarkRead(r.Context(), req.MessageID, identity.UserID,
		receipts.Options{DeviceType: identity.DeviceType})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, receipt)
}

type markMultiRequest struct {
	PlanetID   string  `json:"planet_id"`
	MessageIDs []int64 `json:"message_ids"`
}

// POST /api/v1/messages/read-multiple
func (h *Handler) handleMarkMultiRead(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	var req markMultiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanetID == "" || len(req.MessageIDs) == 0 {
		writeErrorCode(w, coreerrors.CodeValidationError, "planet_id and message_ids are required")
		return
	}
	if !h.requireMember(w, r, req.PlanetID, identity.UserID) {
		return
	}

	result, err := h.tracker.MarkManyRead(r.Context(), req.PlanetID, req.MessageIDs, identity.UserID,
		receipts.Options{DeviceType: identity.DeviceType})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, result)
}

// POST /api/v1/planets/{id}/read-all
func (h *Handler) handleReadAll(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	planetID := mux.Vars(r)["id"]
	if !h.requireMember(w, r, planetID, identity.UserID) {
		return
	}

	result, err := h.tracker.MarkAllReadInRoom(r.Context(), planetID, identity.UserID,
		receipts.Options{DeviceType: identity.DeviceType})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, result)
}

// GET /api/v1/planets/{id}/unread-count
func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	planetID := mux.Vars(r)["id"]
	if !h.requireMember(w, r, planetID, identity.UserID) {
		return
	}

	count, err := h.tracker.UnreadCount(r.Context(), planetID, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"planet_id": planetID, "unread_count": count})
}

// GET /api/v1/unread-counts/my
func (h *Handler) handleUnreadCounts(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	all, err := h.tracker.UnreadCountsForUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, all)
}

// GET /api/v1/planets/{id}/rate-limit
func (h *Handler) handleGetOverride(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	planetID := mux.Vars(r)["id"]
	if !h.requireMember(w, r, planetID, identity.UserID) {
		return
	}

	ov, err := h.limiter.Overrides().Get(planetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if ov == nil {
		writeErrorCode(w, coreerrors.CodeNotFound, "no rate limit override for planet "+planetID)
		return
	}
	writeSuccess(w, ov)
}

// PUT /api/v1/planets/{id}/rate-limit
// 覆盖写入共享存储并带 TTL，其他实例经透读缓存在 TTL 内收敛
func (h *Handler) handleSetOverride(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	planetID := mux.Vars(r)["id"]
	if !h.requireMember(w, r, planetID, identity.UserID) {
		return
	}

	var ov ratelimit.RoomOverride
	if err := json.NewDecoder(r.Body).Decode(&ov); err != nil {
		writeErrorCode(w, coreerrors.CodeValidationError, "malformed override body")
		return
	}

	if err := h.limiter.SetOverride(planetID, &ov); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, &ov)
}

// healthStatus 健康状态
type healthStatus struct {
	Status       string                `json:"status"`
	NodeID       string                `json:"node_id"`
	BridgeState  string                `json:"bridge_state"`
	ActiveBlocks int                   `json:"active_blocks"`
	Stats        *ratelimit.DailyStats `json:"rate_limit_stats,omitempty"`
	Time         time.Time             `json:"time"`
}

// GET /health
// 桥不健康时整体报 degraded：实例仍可服务，但跨实例投递不可用
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := &healthStatus{
		Status:      "ok",
		NodeID:      h.nodeID,
		BridgeState: "healthy",
		Time:        time.Now(),
	}
	if h.bridge.Degraded() {
		status.Status = "degraded"
		status.BridgeState = "degraded"
	} else if !h.bridge.Healthy() {
		status.Status = "degraded"
		status.BridgeState = "unhealthy"
	}

	if stats, err := h.limiter.Stats().Snapshot(time.Now()); err == nil {
		status.Stats = stats
	}
	if blocks, err := h.limiter.ActiveBlocks(); err == nil {
		status.ActiveBlocks = blocks
	}
	writeSuccess(w, status)
}

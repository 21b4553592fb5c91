package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/gin-gonic/gin"
)

// Context keys set by the platform middleware.
const (
	ContextUsername    = "platformUsername"
	ContextPermissions = "platformPermissions"
	ContextRequestID   = "platformRequestID"
)

// GroupResetter forces an immediate reset of every balance in a group.
type GroupResetter interface {
	ResetGroupNow(ctx context.Context, kind accounting.Kind, groupID string) (int, error)
}

// GroupHandler serves group definition endpoints for one kind.
type GroupHandler struct {
	svc      *accounting.Service // Accounting service.
	kind     accounting.Kind     // Credit or token.
	names    fieldNames          // Kind-specific JSON keys.
	resetter GroupResetter       // Manual reset entry point; nil disables the endpoint.
}

// NewGroupHandler constructs a group handler.
func NewGroupHandler(svc *accounting.Service, kind accounting.Kind, resetter GroupResetter) *GroupHandler {
	return &GroupHandler{svc: svc, kind: kind, names: namesFor(kind), resetter: resetter}
}

// parsePage reads page and page_size query parameters.
func parsePage(c *gin.Context) (accounting.PageRequest, error) {
	var req accounting.PageRequest
	if raw := strings.TrimSpace(c.Query("page")); raw != "" {
		value, errParse := strconv.Atoi(raw)
		if errParse != nil || value < 1 {
			return req, fmt.Errorf("invalid page")
		}
		req.Page = value
	}
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		value, errParse := strconv.Atoi(raw)
		if errParse != nil || value < 1 {
			return req, fmt.Errorf("invalid page_size")
		}
		if value > accounting.MaxPageSize {
			return req, fmt.Errorf("page_size must be <= %d", accounting.MaxPageSize)
		}
		req.PageSize = value
	}
	return req.Normalize()
}

// List returns one page of groups.
func (h *GroupHandler) List(c *gin.Context) {
	req, errPage := parsePage(c)
	if errPage != nil {
		badRequest(c, errPage.Error())
		return
	}
	groups, info, errList := h.svc.ListGroups(c.Request.Context(), h.kind, req)
	if errList != nil {
		fail(c, errList)
		return
	}
	items := make([]gin.H, 0, len(groups))
	for _, group := range groups {
		items = append(items, encodeGroup(h.names, group))
	}
	respond(c, http.StatusOK, page(items, info))
}

// Get returns one group definition.
func (h *GroupHandler) Get(c *gin.Context) {
	group, errGet := h.svc.GetGroup(c.Request.Context(), h.kind, c.Param("id"))
	if errGet != nil {
		fail(c, errGet)
		return
	}
	respond(c, http.StatusOK, encodeGroup(h.names, group))
}

// Create validates input and inserts a new group with its tiers.
func (h *GroupHandler) Create(c *gin.Context) {
	obj, errRead := readObject(c)
	if errRead != nil {
		badRequest(c, errRead.Error())
		return
	}
	fields, errDecode := decodeGroupFields(h.names, obj)
	if errDecode != nil {
		badRequest(c, errDecode.Error())
		return
	}
	if fields.groupID == nil {
		badRequest(c, h.names.group+" is required")
		return
	}
	in := accounting.CreateGroupInput{GroupID: *fields.groupID}
	if fields.apiKey != nil {
		in.APIKey = *fields.apiKey
	}
	if fields.apiKeyHeader != nil {
		in.APIKeyHeader = *fields.apiKeyHeader
	}
	if fields.tiers != nil {
		in.Tiers = *fields.tiers
	}

	group, errCreate := h.svc.CreateGroup(c.Request.Context(), h.kind, in)
	if errCreate != nil {
		fail(c, errCreate)
		return
	}
	respond(c, http.StatusCreated, encodeGroup(h.names, group))
}

// Update applies a partial update. Omitted or empty api_key keeps the stored key.
func (h *GroupHandler) Update(c *gin.Context) {
	obj, errRead := readObject(c)
	if errRead != nil {
		badRequest(c, errRead.Error())
		return
	}
	fields, errDecode := decodeGroupFields(h.names, obj)
	if errDecode != nil {
		badRequest(c, errDecode.Error())
		return
	}
	groupID := c.Param("id")
	if fields.groupID != nil && strings.TrimSpace(*fields.groupID) != strings.TrimSpace(groupID) {
		badRequest(c, h.names.group+" cannot be changed")
		return
	}

	group, errUpdate := h.svc.UpdateGroup(c.Request.Context(), h.kind, groupID, accounting.UpdateGroupInput{
		APIKeyHeader: fields.apiKeyHeader,
		APIKey:       fields.apiKey,
		ClearAPIKey:  fields.clearAPIKey,
		Tiers:        fields.tiers,
	})
	if errUpdate != nil {
		fail(c, errUpdate)
		return
	}
	respond(c, http.StatusOK, encodeGroup(h.names, group))
}

// Delete removes a group and its balances. The confirm query parameter must repeat the group id.
func (h *GroupHandler) Delete(c *gin.Context) {
	deleted, errDelete := h.svc.DeleteGroup(c.Request.Context(), h.kind, c.Param("id"), c.Query("confirm"))
	if errDelete != nil {
		fail(c, errDelete)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": deleted})
}

// Reset forces every balance in the group back to its tier quota.
func (h *GroupHandler) Reset(c *gin.Context) {
	if h.resetter == nil {
		Abort(c, accounting.CodeUnavailable, "reset scheduler is disabled")
		return
	}
	count, errReset := h.resetter.ResetGroupNow(c.Request.Context(), h.kind, c.Param("id"))
	if errReset != nil {
		fail(c, errReset)
		return
	}
	respond(c, http.StatusOK, gin.H{"group_id": strings.TrimSpace(c.Param("id")), "reset": count})
}

// Integrity lists balances whose group or tier no longer exists.
func (h *GroupHandler) Integrity(c *gin.Context) {
	issues, errCheck := h.svc.CheckIntegrity(c.Request.Context(), h.kind)
	if errCheck != nil {
		fail(c, errCheck)
		return
	}
	respond(c, http.StatusOK, gin.H{"issues": issues, "ok": len(issues) == 0})
}

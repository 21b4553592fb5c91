package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/gin-gonic/gin"
)

// ConsumeRecorder observes consume outcomes. groupID is empty unless the group is known to exist.
type ConsumeRecorder interface {
	ObserveConsume(kind, groupID, outcome string, amount int64)
}

// BalanceHandler serves user balance endpoints for one kind.
type BalanceHandler struct {
	svc      *accounting.Service // Accounting service.
	kind     accounting.Kind     // Credit or token.
	names    fieldNames          // Kind-specific JSON keys.
	recorder ConsumeRecorder     // Optional consume metrics.
}

// NewBalanceHandler constructs a balance handler.
func NewBalanceHandler(svc *accounting.Service, kind accounting.Kind, recorder ConsumeRecorder) *BalanceHandler {
	return &BalanceHandler{svc: svc, kind: kind, names: namesFor(kind), recorder: recorder}
}

// List returns one page of all balances, optionally filtered by username.
func (h *BalanceHandler) List(c *gin.Context) {
	req, errPage := parsePage(c)
	if errPage != nil {
		badRequest(c, errPage.Error())
		return
	}
	balances, info, errList := h.svc.ListBalances(c.Request.Context(), h.kind, req, c.Query("search"))
	if errList != nil {
		fail(c, errList)
		return
	}
	items := make([]gin.H, 0, len(balances))
	for _, balance := range balances {
		items = append(items, encodeBalance(h.names, balance))
	}
	respond(c, http.StatusOK, page(items, info))
}

// Get returns every balance of one user keyed by group id.
func (h *BalanceHandler) Get(c *gin.Context) {
	username := strings.TrimSpace(c.Param("id"))
	balances, errGet := h.svc.GetForUser(c.Request.Context(), h.kind, username)
	if errGet != nil {
		fail(c, errGet)
		return
	}
	respond(c, http.StatusOK, encodeUserBalances(h.names, username, balances))
}

// Set writes all listed balances of one user in a single transaction.
func (h *BalanceHandler) Set(c *gin.Context) {
	obj, errRead := readObject(c)
	if errRead != nil {
		badRequest(c, errRead.Error())
		return
	}
	entries, errDecode := decodeBalanceEntries(h.names, obj)
	if errDecode != nil {
		badRequest(c, errDecode.Error())
		return
	}
	username := strings.TrimSpace(c.Param("id"))
	balances, errSet := h.svc.BulkSetForUser(c.Request.Context(), h.kind, username, entries)
	if errSet != nil {
		fail(c, errSet)
		return
	}
	respond(c, http.StatusOK, encodeUserBalances(h.names, username, balances))
}

// Delete removes one balance, or all of the user's balances when no group is given.
func (h *BalanceHandler) Delete(c *gin.Context) {
	removed, errDelete := h.svc.DeleteForUser(c.Request.Context(), h.kind, c.Param("id"), c.Param("group_id"))
	if errDelete != nil {
		fail(c, errDelete)
		return
	}
	respond(c, http.StatusOK, gin.H{"removed": removed})
}

// Events returns the user's balance audit trail, newest first.
func (h *BalanceHandler) Events(c *gin.Context) {
	req, errPage := parsePage(c)
	if errPage != nil {
		badRequest(c, errPage.Error())
		return
	}
	events, info, errList := h.svc.ListEvents(c.Request.Context(), h.kind, c.Param("id"), req)
	if errList != nil {
		fail(c, errList)
		return
	}
	respond(c, http.StatusOK, page(events, info))
}

// Check reports whether the user can spend amount without changing the balance.
func (h *BalanceHandler) Check(c *gin.Context) {
	amount, errAmount := strconv.ParseInt(strings.TrimSpace(c.Query("amount")), 10, 64)
	if errAmount != nil {
		badRequest(c, "invalid amount")
		return
	}
	check, errCheck := h.svc.CanSpend(c.Request.Context(), h.kind, c.Param("id"), c.Query("group_id"), amount)
	if errCheck != nil {
		fail(c, errCheck)
		return
	}
	respond(c, http.StatusOK, check)
}

// consumeRequest captures the payload for a decrement.
type consumeRequest struct {
	GroupID string `json:"group_id"` // Group to charge.
	Amount  int64  `json:"amount"`   // Units to subtract.
	Input   int64  `json:"input"`    // Request input size, checked against input_limit.
	Output  int64  `json:"output"`   // Request output size, checked against output_limit.
}

// Consume atomically subtracts amount from the user's balance.
func (h *BalanceHandler) Consume(c *gin.Context) {
	var body consumeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	result, errConsume := h.svc.TryDecrement(c.Request.Context(), h.kind, c.Param("id"), accounting.ConsumeInput{
		GroupID: body.GroupID,
		Amount:  body.Amount,
		Input:   body.Input,
		Output:  body.Output,
	})
	if h.recorder != nil {
		outcome, groupID := "ok", result.GroupID
		if errConsume != nil {
			code := accounting.CodeOf(errConsume)
			outcome, groupID = string(code), ""
			// Only a balance that exists can be short; other failures carry unchecked ids.
			if code == accounting.CodeInsufficientBalance {
				groupID = strings.TrimSpace(body.GroupID)
			}
		}
		h.recorder.ObserveConsume(string(h.kind), groupID, outcome, body.Amount)
	}
	if errConsume != nil {
		fail(c, errConsume)
		return
	}
	respond(c, http.StatusOK, result)
}

package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/gin-gonic/gin"
)

// fieldNames holds the kind-specific JSON keys used by the platform payloads.
type fieldNames struct {
	group     string // api_credit_group
	tiers     string // credit_tiers
	amount    string // credits
	userMap   string // user_credits
	available string // available_credits
}

func namesFor(kind accounting.Kind) fieldNames {
	plural := kind.Plural()
	return fieldNames{
		group:     "api_" + string(kind) + "_group",
		tiers:     string(kind) + "_tiers",
		amount:    plural,
		userMap:   "user_" + plural,
		available: "available_" + plural,
	}
}

// object is a decoded JSON object whose fields are consumed one by one.
type object map[string]json.RawMessage

// readObject decodes the request body into an object. An empty body is an error.
func readObject(c *gin.Context) (object, error) {
	raw, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		return nil, fmt.Errorf("read body: %w", errRead)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("request body is required")
	}
	var obj object
	if errUnmarshal := json.Unmarshal(raw, &obj); errUnmarshal != nil || obj == nil {
		return nil, fmt.Errorf("invalid json")
	}
	return obj, nil
}

// take decodes field key into dst and removes it. It reports whether the field was present and not null.
func (o object) take(key string, dst any) (bool, error) {
	raw, ok := o[key]
	if !ok {
		return false, nil
	}
	delete(o, key)
	if string(bytes.TrimSpace(raw)) == "null" {
		return false, nil
	}
	if errUnmarshal := json.Unmarshal(raw, dst); errUnmarshal != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return true, nil
}

// rest fails when fields remain that no decoder consumed.
func (o object) rest() error {
	if len(o) == 0 {
		return nil
	}
	keys := make([]string, 0, len(o))
	for key := range o {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return fmt.Errorf("unknown field %q", keys[0])
}

func decodeTiers(names fieldNames, raw []json.RawMessage) ([]accounting.Tier, error) {
	tiers := make([]accounting.Tier, 0, len(raw))
	for idx, item := range raw {
		var obj object
		if errUnmarshal := json.Unmarshal(item, &obj); errUnmarshal != nil || obj == nil {
			return nil, fmt.Errorf("%s[%d]: invalid tier", names.tiers, idx)
		}
		var tier accounting.Tier
		var frequency string
		if _, err := obj.take("tier_name", &tier.Name); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", names.tiers, idx, err)
		}
		if _, err := obj.take(names.amount, &tier.Quota); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", names.tiers, idx, err)
		}
		if _, err := obj.take("input_limit", &tier.InputLimit); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", names.tiers, idx, err)
		}
		if _, err := obj.take("output_limit", &tier.OutputLimit); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", names.tiers, idx, err)
		}
		if _, err := obj.take("reset_frequency", &frequency); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", names.tiers, idx, err)
		}
		if err := obj.rest(); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", names.tiers, idx, err)
		}
		tier.ResetFrequency = accounting.ResetFrequency(frequency)
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// groupFields are the writable group fields shared by create and update.
type groupFields struct {
	groupID      *string
	apiKey       *string
	apiKeyHeader *string
	clearAPIKey  bool
	tiers        *[]accounting.Tier
}

func decodeGroupFields(names fieldNames, obj object) (groupFields, error) {
	var out groupFields
	var groupID, apiKey, header string
	var clear bool
	var rawTiers []json.RawMessage

	if ok, err := obj.take(names.group, &groupID); err != nil {
		return out, err
	} else if ok {
		out.groupID = &groupID
	}
	if ok, err := obj.take("api_key", &apiKey); err != nil {
		return out, err
	} else if ok {
		out.apiKey = &apiKey
	}
	if ok, err := obj.take("api_key_header", &header); err != nil {
		return out, err
	} else if ok {
		out.apiKeyHeader = &header
	}
	if _, err := obj.take("clear_api_key", &clear); err != nil {
		return out, err
	}
	out.clearAPIKey = clear
	if ok, err := obj.take(names.tiers, &rawTiers); err != nil {
		return out, err
	} else if ok {
		tiers, errTiers := decodeTiers(names, rawTiers)
		if errTiers != nil {
			return out, errTiers
		}
		out.tiers = &tiers
	}
	return out, obj.rest()
}

func decodeBalanceEntries(names fieldNames, obj object) (map[string]accounting.SetBalanceInput, error) {
	var rawEntries map[string]json.RawMessage
	ok, err := obj.take(names.userMap, &rawEntries)
	if err != nil {
		return nil, err
	}
	if !ok || len(rawEntries) == 0 {
		return nil, fmt.Errorf("%s is required", names.userMap)
	}
	if errRest := obj.rest(); errRest != nil {
		return nil, errRest
	}

	entries := make(map[string]accounting.SetBalanceInput, len(rawEntries))
	for groupID, raw := range rawEntries {
		var entryObj object
		if errUnmarshal := json.Unmarshal(raw, &entryObj); errUnmarshal != nil || entryObj == nil {
			return nil, fmt.Errorf("%s[%q]: invalid entry", names.userMap, groupID)
		}
		var entry accounting.SetBalanceInput
		var userKey string
		if _, errTake := entryObj.take("tier_name", &entry.TierName); errTake != nil {
			return nil, fmt.Errorf("%s[%q]: %w", names.userMap, groupID, errTake)
		}
		present, errTake := entryObj.take(names.available, &entry.Available)
		if errTake != nil {
			return nil, fmt.Errorf("%s[%q]: %w", names.userMap, groupID, errTake)
		}
		if !present {
			return nil, fmt.Errorf("%s[%q]: %s is required", names.userMap, groupID, names.available)
		}
		if keyPresent, errKey := entryObj.take("user_api_key", &userKey); errKey != nil {
			return nil, fmt.Errorf("%s[%q]: %w", names.userMap, groupID, errKey)
		} else if keyPresent {
			entry.UserAPIKey = &userKey
		}
		if _, errClear := entryObj.take("clear_user_api_key", &entry.ClearUserAPIKey); errClear != nil {
			return nil, fmt.Errorf("%s[%q]: %w", names.userMap, groupID, errClear)
		}
		if errRest := entryObj.rest(); errRest != nil {
			return nil, fmt.Errorf("%s[%q]: %w", names.userMap, groupID, errRest)
		}
		entries[groupID] = entry
	}
	return entries, nil
}

func encodeTier(names fieldNames, tier accounting.Tier) gin.H {
	return gin.H{
		"tier_name":       tier.Name,
		names.amount:      tier.Quota,
		"input_limit":     tier.InputLimit,
		"output_limit":    tier.OutputLimit,
		"reset_frequency": string(tier.ResetFrequency),
	}
}

func encodeGroup(names fieldNames, group accounting.Group) gin.H {
	tiers := make([]gin.H, 0, len(group.Tiers))
	for _, tier := range group.Tiers {
		tiers = append(tiers, encodeTier(names, tier))
	}
	return gin.H{
		names.group:       group.GroupID,
		"api_key_header":  group.APIKeyHeader,
		"api_key_present": group.APIKeyPresent,
		names.tiers:       tiers,
		"created_at":      group.CreatedAt,
		"updated_at":      group.UpdatedAt,
	}
}

func encodeBalance(names fieldNames, balance accounting.Balance) gin.H {
	var nextReset *time.Time
	if balance.NextResetAt != nil {
		next := balance.NextResetAt.UTC()
		nextReset = &next
	}
	return gin.H{
		"username":             balance.Username,
		"group_id":             balance.GroupID,
		"tier_name":            balance.TierName,
		names.available:        balance.Available,
		names.amount:           balance.Quota,
		"reset_frequency":      string(balance.ResetFrequency),
		"user_api_key_present": balance.UserAPIKeyPresent,
		"last_reset_at":        balance.LastResetAt.UTC(),
		"next_reset_at":        nextReset,
		"updated_at":           balance.UpdatedAt.UTC(),
	}
}

func encodeUserBalances(names fieldNames, username string, balances map[string]accounting.Balance) gin.H {
	byGroup := make(map[string]gin.H, len(balances))
	for groupID, balance := range balances {
		byGroup[groupID] = encodeBalance(names, balance)
	}
	return gin.H{
		"username":    username,
		names.userMap: byGroup,
	}
}

// page wraps a list result together with its pagination info.
func page(items any, info accounting.PageInfo) gin.H {
	return gin.H{
		"items":     items,
		"page":      info.Page,
		"page_size": info.PageSize,
		"has_next":  info.HasNext,
	}
}

package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// AllowList holds the requester ids permitted to drive the desktop. An empty
// list admits nobody.
type AllowList struct {
	Users []int64
	Chats []int64
}

type Requester struct {
	UserID int64
	ChatID int64
}

type Decision struct {
	Allowed bool
	Reason  string
}

// Authorize checks the user before the chat, mirroring how operators grant
// access: a person first, then the conversation they may use.
func Authorize(r Requester, allow AllowList) Decision {
	if r.UserID == 0 || r.ChatID == 0 {
		return Decision{Allowed: false, Reason: "missing user or chat"}
	}
	if !containsID(allow.Users, r.UserID) {
		return Decision{Allowed: false, Reason: "user not allowed"}
	}
	if !containsID(allow.Chats, r.ChatID) {
		return Decision{Allowed: false, Reason: "chat not allowed"}
	}
	return Decision{Allowed: true, Reason: "ok"}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ParseIDList parses a comma separated list of integer ids. Blank entries are
// skipped.
func ParseIDList(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}

type CommandRisk struct {
	Level  string `json:"level"`
	Reason string `json:"reason,omitempty"`
}

var (
	sensitiveCommandPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(password|passwd|token|secret|api[_ -]?key)\b`),
		regexp.MustCompile(`(?i)\b(rm\s+-rf|format\s+[a-z]:|del\s+/[sq])`),
	}
	highRiskKeywords = []string{
		"delete", "remove", "uninstall", "shutdown", "restart", "reboot",
		"log off", "sign out", "empty trash", "format", "kill",
	}
	mediumRiskKeywords = []string{
		"type", "send", "submit", "install", "save", "close", "hotkey",
	}
)

// ClassifyCommand gives the operator a hint about how carefully a plan should
// be read before approval. It never blocks creation.
func ClassifyCommand(command string) CommandRisk {
	in := strings.ToLower(strings.TrimSpace(command))
	if in == "" {
		return CommandRisk{Level: "low"}
	}
	for _, re := range sensitiveCommandPatterns {
		if re.MatchString(in) {
			return CommandRisk{Level: "sensitive", Reason: "command mentions credentials or destructive shell input"}
		}
	}
	for _, kw := range highRiskKeywords {
		if strings.Contains(in, kw) {
			return CommandRisk{Level: "high", Reason: "command contains " + strconv.Quote(kw)}
		}
	}
	for _, kw := range mediumRiskKeywords {
		if strings.Contains(in, kw) {
			return CommandRisk{Level: "medium"}
		}
	}
	return CommandRisk{Level: "low"}
}

package models

// Conversation is one entry of the server's conversation listing.
type Conversation struct {
	ID           string         `json:"id"`
	Info         map[string]any `json:"info"`
	Members      []string       `json:"members"`
	LastMessage  *Message       `json:"-"`
	Unread       int            `json:"unread"`
	LastModified float64        `json:"last_modified"`
}

// IsGroup reports whether the conversation is a group.
func (c Conversation) IsGroup() bool { return IsGroupID(c.ID) }

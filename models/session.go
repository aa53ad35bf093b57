package models

// Session is the state of one logical login. It survives reconnects and is
// reset, not destroyed, on logout.
type Session struct {
	ID   string         `json:"id"`
	User map[string]any `json:"user"`

	// LastTimestamp is the sync watermark: the newest DatetimeCreation of
	// any fully processed message. It never moves backward.
	LastTimestamp float64 `json:"last_timestamp"`

	ExpireSession bool `json:"expire_session"`
	Debug         bool `json:"debug"`
	AutoSync      bool `json:"auto_sync"`
	AutoSave      bool `json:"auto_save"`

	MyKey string `json:"my_key"`
	MyIV  string `json:"my_iv"`
}

// AdvanceTimestamp moves the watermark to ts if ts is newer. It reports
// whether the watermark changed.
func (s *Session) AdvanceTimestamp(ts float64) bool {
	if ts <= s.LastTimestamp {
		return false
	}
	s.LastTimestamp = ts
	return true
}

// HasSessionKey reports whether the symmetric session key pair is set.
func (s *Session) HasSessionKey() bool {
	return s.MyKey != "" && s.MyIV != ""
}

// Reset empties the in-memory session.
func (s *Session) Reset() {
	*s = Session{}
}

package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"monkeykit/models"
)

const (
	// DefaultRequestTimeout bounds every REST call.
	DefaultRequestTimeout = 30 * time.Second

	getRetries    = 2
	getRetryDelay = 250 * time.Millisecond
)

// APIError is a non-2xx REST response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// NewSessionResponse is the reply to POST /user/session.
type NewSessionResponse struct {
	MonkeyID  string
	PublicKey string
}

// KeySyncResponse is the reply to POST /user/key/sync.
type KeySyncResponse struct {
	Info           map[string]any
	LastTimeSynced float64
	Keys           string
}

// FileUpload describes one POST /file/new/base64 request.
type FileUpload struct {
	Message *models.Message
	Data    string
	Push    any
}

// API is the REST collaborator used by the session.
type API interface {
	CreateSession(ctx context.Context, user map[string]any) (NewSessionResponse, error)
	SyncKeys(ctx context.Context, monkeyID, publicKey string) (KeySyncResponse, error)
	ConnectSession(ctx context.Context, monkeyID, encryptedKey string) error
	ExchangeKey(ctx context.Context, requesterID, peerID string) (string, error)
	PostMessage(ctx context.Context, message *models.Message, push any) (int64, error)
	OpenSecureMessage(ctx context.Context, id int64) (*models.Message, error)
	UploadFile(ctx context.Context, upload FileUpload) (int64, error)
	Conversations(ctx context.Context, monkeyID string) ([]models.Conversation, error)
	ConversationMessages(ctx context.Context, monkeyID, conversationID string, size int, since float64) ([]*models.Message, error)
}

// HTTPAPIOptions configures HTTPAPI.
type HTTPAPIOptions struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	Client    *http.Client
	Logger    *zap.Logger
}

// HTTPAPI talks to the REST endpoints over HTTP. Non-file bodies are sent
// as {"data":"<json>"} and responses are unwrapped from their data field.
type HTTPAPI struct {
	baseURL   string
	appKey    string
	appSecret string
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPAPI validates options and returns a client.
func NewHTTPAPI(options HTTPAPIOptions) (*HTTPAPI, error) {
	if options.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if options.AppKey == "" || options.AppSecret == "" {
		return nil, ErrMissingCredentials
	}
	if options.Client == nil {
		options.Client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return &HTTPAPI{
		baseURL:   strings.TrimRight(options.BaseURL, "/"),
		appKey:    options.AppKey,
		appSecret: options.AppSecret,
		client:    options.Client,
		logger:    options.Logger,
	}, nil
}

// BaseURL returns <http|https>://<domain>.
func BaseURL(secure bool, domain string) string {
	if secure {
		return "https://" + domain
	}
	return "http://" + domain
}

// CreateSession requests a new identity for user.
func (a *HTTPAPI) CreateSession(ctx context.Context, user map[string]any) (NewSessionResponse, error) {
	data, err := a.post(ctx, "/user/session", map[string]any{"user_info": user})
	if err != nil {
		return NewSessionResponse{}, err
	}
	resp := NewSessionResponse{
		MonkeyID:  data.Get("monkeyId").String(),
		PublicKey: data.Get("publicKey").String(),
	}
	if resp.MonkeyID == "" {
		return NewSessionResponse{}, errors.New("create session: response has no monkeyId")
	}
	return resp, nil
}

// SyncKeys resumes an existing identity by sending a fresh public key.
func (a *HTTPAPI) SyncKeys(ctx context.Context, monkeyID, publicKey string) (KeySyncResponse, error) {
	data, err := a.post(ctx, "/user/key/sync", map[string]any{
		"monkey_id":  monkeyID,
		"public_key": publicKey,
	})
	if err != nil {
		return KeySyncResponse{}, err
	}
	info, _ := data.Get("info").Value().(map[string]any)
	return KeySyncResponse{
		Info:           info,
		LastTimeSynced: data.Get("last_time_synced").Float(),
		Keys:           data.Get("keys").String(),
	}, nil
}

// ConnectSession submits the sealed session key to complete a new session.
func (a *HTTPAPI) ConnectSession(ctx context.Context, monkeyID, encryptedKey string) error {
	_, err := a.post(ctx, "/user/connect", map[string]any{
		"monkey_id": monkeyID,
		"usk":       encryptedKey,
	})
	return err
}

// ExchangeKey returns the conversation key blob shared with peerID.
func (a *HTTPAPI) ExchangeKey(ctx context.Context, requesterID, peerID string) (string, error) {
	data, err := a.post(ctx, "/user/key/exchange", map[string]any{
		"monkey_id":    requesterID,
		"user_to":      peerID,
		"session_from": requesterID,
	})
	if err != nil {
		return "", err
	}
	key := data.Get("convKey").String()
	if key == "" {
		return "", fmt.Errorf("key exchange with %q: empty convKey", peerID)
	}
	return key, nil
}

// PostMessage delivers a message without the websocket and returns the
// server-assigned id.
func (a *HTTPAPI) PostMessage(ctx context.Context, message *models.Message, push any) (int64, error) {
	body := map[string]any{
		"message": map[string]any{
			"id":     strconv.FormatInt(message.ID, 10),
			"sid":    message.SenderID,
			"rid":    message.RecipientID,
			"msg":    message.EncryptedText,
			"type":   int(message.ProtocolType),
			"props":  message.Props,
			"params": message.Params,
		},
	}
	if push != nil {
		body["push"] = push
	}
	data, err := a.post(ctx, "/message/new", body)
	if err != nil {
		return 0, err
	}
	return messageIDFrom(data)
}

// OpenSecureMessage fetches a message body the server kept aside.
func (a *HTTPAPI) OpenSecureMessage(ctx context.Context, id int64) (*models.Message, error) {
	data, err := a.get(ctx, fmt.Sprintf("/message/%d/open/secure", id))
	if err != nil {
		return nil, err
	}
	return models.MessageFromWire(models.CommandMessage, []byte(data.Raw), a.appKey), nil
}

// UploadFile sends a base64 file payload as multipart form data.
func (a *HTTPAPI) UploadFile(ctx context.Context, upload FileUpload) (int64, error) {
	meta := map[string]any{
		"id":     strconv.FormatInt(upload.Message.ID, 10),
		"sid":    upload.Message.SenderID,
		"rid":    upload.Message.RecipientID,
		"props":  upload.Message.Props,
		"params": upload.Message.Params,
	}
	if upload.Push != nil {
		meta["push"] = upload.Push
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encode upload metadata: %w", err)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	name := upload.Message.PropString(models.PropFilename)
	if name == "" {
		name = uuid.NewString()
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return 0, fmt.Errorf("create upload part: %w", err)
	}
	if _, err := io.WriteString(part, upload.Data); err != nil {
		return 0, fmt.Errorf("write upload part: %w", err)
	}
	if err := form.WriteField("data", string(rawMeta)); err != nil {
		return 0, fmt.Errorf("write upload metadata: %w", err)
	}
	if err := form.Close(); err != nil {
		return 0, fmt.Errorf("close upload form: %w", err)
	}

	data, err := a.do(ctx, http.MethodPost, "/file/new/base64", form.FormDataContentType(), buf.Bytes())
	if err != nil {
		return 0, err
	}
	return messageIDFrom(data)
}

// Conversations lists the conversations of monkeyID.
func (a *HTTPAPI) Conversations(ctx context.Context, monkeyID string) ([]models.Conversation, error) {
	data, err := a.get(ctx, "/user/"+url.PathEscape(monkeyID)+"/conversations")
	if err != nil {
		return nil, err
	}
	list := data
	if data.IsObject() {
		list = data.Get("conversations")
	}

	conversations := make([]models.Conversation, 0)
	for _, item := range list.Array() {
		conversation := models.Conversation{
			ID:           item.Get("id").String(),
			Unread:       int(item.Get("unread").Int()),
			LastModified: item.Get("last_modified").Float(),
		}
		conversation.Info, _ = item.Get("info").Value().(map[string]any)
		for _, member := range item.Get("members").Array() {
			conversation.Members = append(conversation.Members, member.String())
		}
		if last := item.Get("last_message"); last.IsObject() {
			conversation.LastMessage = models.MessageFromWire(models.CommandMessage, []byte(last.Raw), a.appKey)
		}
		conversations = append(conversations, conversation)
	}
	return conversations, nil
}

// ConversationMessages pages the history of one conversation.
func (a *HTTPAPI) ConversationMessages(ctx context.Context, monkeyID, conversationID string, size int, since float64) ([]*models.Message, error) {
	path := fmt.Sprintf("/conversation/messages/%s/%s/%d/%s",
		url.PathEscape(monkeyID),
		url.PathEscape(conversationID),
		size,
		strconv.FormatFloat(since, 'f', -1, 64),
	)
	data, err := a.get(ctx, path)
	if err != nil {
		return nil, err
	}
	list := data
	if data.IsObject() {
		list = data.Get("messages")
	}

	messages := make([]*models.Message, 0)
	for _, item := range list.Array() {
		messages = append(messages, models.MessageFromWire(models.CommandMessage, []byte(item.Raw), a.appKey))
	}
	return messages, nil
}

func (a *HTTPAPI) post(ctx context.Context, path string, body any) (gjson.Result, error) {
	inner, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode %s body: %w", path, err)
	}
	outer, err := json.Marshal(map[string]string{"data": string(inner)})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode %s envelope: %w", path, err)
	}
	return a.do(ctx, http.MethodPost, path, "application/json", outer)
}

// get retries transient failures of idempotent reads.
func (a *HTTPAPI) get(ctx context.Context, path string) (gjson.Result, error) {
	var result gjson.Result
	backoff := retry.WithMaxRetries(getRetries, retry.NewConstant(getRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, err := a.do(ctx, http.MethodGet, path, "", nil)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return err
			}
			return retry.RetryableError(err)
		}
		result = data
		return nil
	})
	return result, err
}

func (a *HTTPAPI) do(ctx context.Context, method, path, contentType string, body []byte) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(a.appKey+":"+a.appSecret)))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	a.logger.Debug("rest call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", req.Header.Get("X-Request-Id")),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := gjson.GetBytes(raw, "message").String()
		if message == "" {
			message = strings.TrimSpace(string(raw))
		}
		return gjson.Result{}, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: message}
	}

	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%s %s: response is not JSON", method, path)
	}
	data := gjson.GetBytes(raw, "data")
	if !data.Exists() {
		return gjson.ParseBytes(raw), nil
	}
	if data.Type == gjson.String && gjson.Valid(data.String()) {
		return gjson.Parse(data.String()), nil
	}
	return data, nil
}

func messageIDFrom(data gjson.Result) (int64, error) {
	id := data.Get("messageId")
	if !id.Exists() {
		return 0, errors.New("response has no messageId")
	}
	if id.Type == gjson.String {
		parsed, err := strconv.ParseInt(id.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse messageId %q: %w", id.String(), err)
		}
		return parsed, nil
	}
	return id.Int(), nil
}

package event

import (
	"time"

	"IMCore/tools/decode"
	"IMCore/tools/errs"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ===== 枚举 =====

type Type string

const (
	TypeRequest      Type = "REQUEST"
	TypeResponse     Type = "RESPONSE"
	TypeNotification Type = "NOTIFICATION"
	TypeBroadcast    Type = "BROADCAST"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusTimeout Status = "TIMEOUT"
)

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

const (
	DefaultExpiry     = 60 * time.Second
	DefaultMaxRetries = 3

	MetaCorrelationID = "correlationId"
)

// ===== Envelope =====

// Envelope 值语义：所有 WithX 都返回副本，不修改接收者；map 字段按需深拷贝
type Envelope struct {
	EventID  string   `json:"eventId"`
	Subject  string   `json:"subject"`
	Type     Type     `json:"eventType"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	SourceService  string `json:"sourceService,omitempty"`
	SourceInstance string `json:"sourceInstance,omitempty"`
	TargetService  string `json:"targetService,omitempty"`
	TargetInstance string `json:"targetInstance,omitempty"`

	UserID    int64  `json:"userId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Data     map[string]any    `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// New data 可以是 map[string]any，也可以是任意可 JSON 的结构（会被转成 map）
func New(subject string, typ Type, data any) (Envelope, error) {
	return NewAt(subject, typ, data, time.Now())
}

func NewAt(subject string, typ Type, data any, now time.Time) (Envelope, error) {
	if !ValidSubject(subject) {
		return Envelope{}, errs.ErrInvalidSubject.WrapMsg("subject", "subject", subject)
	}
	m, err := toMap(data)
	if err != nil {
		return Envelope{}, errs.ErrInvalidArgument.WrapMsg("event data not encodable", "err", err)
	}
	return Envelope{
		EventID:    uuid.NewString(),
		Subject:    subject,
		Type:       typ,
		Status:     StatusPending,
		Priority:   PriorityMedium,
		Data:       m,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		ExpiresAt:  now.Add(DefaultExpiry),
	}, nil
}

func NewRequest(subject string, data any) (Envelope, error) {
	return New(subject, TypeRequest, data)
}

func NewNotification(subject string, userID int64, data any) (Envelope, error) {
	e, err := New(subject, TypeNotification, data)
	if err != nil {
		return e, err
	}
	e.UserID = userID
	return e, nil
}

func NewBroadcast(subject string, data any) (Envelope, error) {
	return New(subject, TypeBroadcast, data)
}

// NewResponse 回给 req 的来源方，correlationId = req.EventID
func NewResponse(req Envelope, data any) (Envelope, error) {
	e, err := New(req.Subject, TypeResponse, data)
	if err != nil {
		return e, err
	}
	e.TargetService, e.TargetInstance = req.SourceService, req.SourceInstance
	e.SourceService, e.SourceInstance = req.TargetService, req.TargetInstance
	e.UserID, e.DeviceID, e.SessionID = req.UserID, req.DeviceID, req.SessionID
	e.Metadata = map[string]string{MetaCorrelationID: req.EventID}
	return e, nil
}

// ===== WithX =====

func (e Envelope) WithPriority(p Priority) Envelope {
	e.Priority = p
	return e
}

func (e Envelope) WithMetadata(k, v string) Envelope {
	md := make(map[string]string, len(e.Metadata)+1)
	for mk, mv := range e.Metadata {
		md[mk] = mv
	}
	md[k] = v
	e.Metadata = md
	return e
}

func (e Envelope) WithData(k string, v any) Envelope {
	d := make(map[string]any, len(e.Data)+1)
	for dk, dv := range e.Data {
		d[dk] = dv
	}
	d[k] = v
	e.Data = d
	return e
}

func (e Envelope) FromService(service, instance string) Envelope {
	e.SourceService, e.SourceInstance = service, instance
	return e
}

func (e Envelope) ToService(service, instance string) Envelope {
	e.TargetService, e.TargetInstance = service, instance
	return e
}

func (e Envelope) WithUser(userID int64, deviceID, sessionID string) Envelope {
	e.UserID, e.DeviceID, e.SessionID = userID, deviceID, sessionID
	return e
}

func (e Envelope) WithExpiresAt(t time.Time) Envelope {
	e.ExpiresAt = t
	return e
}

func (e Envelope) WithMaxRetries(n int) Envelope {
	if n < 0 {
		n = 0
	}
	e.MaxRetries = n
	if e.RetryCount > n {
		e.RetryCount = n
	}
	return e
}

func (e Envelope) WithSuccess() Envelope {
	e.Status = StatusSuccess
	e.ErrorCode, e.ErrorMessage = "", ""
	return e
}

func (e Envelope) WithFailure(code, msg string) Envelope {
	e.Status = StatusFailure
	e.ErrorCode, e.ErrorMessage = code, msg
	return e
}

func (e Envelope) WithTimeout() Envelope {
	e.Status = StatusTimeout
	return e
}

// WithRetry 重试计数 +1 并回到 PENDING；不可重试时原样返回
func (e Envelope) WithRetry() Envelope {
	if !e.CanRetry() {
		return e
	}
	e.RetryCount++
	e.Status = StatusPending
	return e
}

// ===== 判定 =====

// CanRetry 只有 FAILURE 且还有重试额度
func (e Envelope) CanRetry() bool {
	return e.Status == StatusFailure && e.RetryCount < e.MaxRetries
}

func (e Envelope) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// ===== 编解码 =====

func (e Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errs.ErrInvalidArgument.WrapMsg("decode envelope", "err", err)
	}
	if e.EventID == "" || !ValidSubject(e.Subject) {
		return Envelope{}, errs.ErrInvalidArgument.WrapMsg("envelope missing eventId/subject")
	}
	if e.RetryCount > e.MaxRetries {
		e.RetryCount = e.MaxRetries
	}
	return e, nil
}

// DataAs 把 Data 解码成结构体（json tag）
func DataAs[T any](e Envelope) (*T, error) {
	if e.Data == nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("event has no data", "eventId", e.EventID)
	}
	return decode.Map[T](e.Data)
}

func toMap(data any) (map[string]any, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		cp := make(map[string]any, len(v))
		for k, x := range v {
			cp[k] = x
		}
		return cp, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

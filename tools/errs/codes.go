package errs

// ===== 错误码 =====

const (
	// 校验类：同步拒绝，不重试
	InvalidArgumentCode     = 1001
	InvalidConversationCode = 1002
	InvalidSubjectCode      = 1003

	// 消息状态
	DuplicateClientMessageCode = 2001
	NotFoundCode               = 2002
	NotEditableCode            = 2003
	AlreadyRecalledCode        = 2004

	// 容量
	QueueSaturatedCode  = 3001
	ConnectionLimitCode = 3002

	// 基础设施
	TransientCode = 4001

	// 事件生命周期
	ExpiredCode         = 5001
	PublisherClosedCode = 5002

	ServerInternalError = 9999
)

var (
	ErrInvalidArgument     = NewCodeError(InvalidArgumentCode, "invalid argument")
	ErrInvalidConversation = NewCodeError(InvalidConversationCode, "invalid conversation id")
	ErrInvalidSubject      = NewCodeError(InvalidSubjectCode, "malformed subject")

	ErrDuplicateClientMessage = NewCodeError(DuplicateClientMessageCode, "duplicate client message")
	ErrNotFound               = NewCodeError(NotFoundCode, "not found")
	ErrNotEditable            = NewCodeError(NotEditableCode, "message not editable")
	ErrAlreadyRecalled        = NewCodeError(AlreadyRecalledCode, "message already recalled")

	ErrQueueSaturated  = NewCodeError(QueueSaturatedCode, "publish queue saturated")
	ErrConnectionLimit = NewCodeError(ConnectionLimitCode, "connection limit exceeded")

	ErrTransient = NewCodeError(TransientCode, "transient infrastructure failure")

	ErrExpired         = NewCodeError(ExpiredCode, "event expired")
	ErrPublisherClosed = NewCodeError(PublisherClosedCode, "publisher closed")

	ErrInternal = NewCodeError(ServerInternalError, "internal error")
)

func init() {
	// 已撤回属于不可编辑
	_ = DefaultCodeRelation.Add(NotEditableCode, AlreadyRecalledCode)
}

package bus

import "errors"

// 总线错误
var (
	ErrBusClosed      = errors.New("事件总线已关闭")
	ErrEmptyEventType = errors.New("event_type 不能为空")
	ErrNilHandler     = errors.New("handler 不能为 nil")
)

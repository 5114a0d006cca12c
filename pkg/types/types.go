// Package types 定義了 twinlife 執行環境中共用的領域列舉
//
// 所有會出現在線路上的列舉都使用「凍結序號」(wire ordinal)：
// 常數的數值就是線路上的序號，與宣告順序無關，新增項目只能往後追加，
// 既有數值永遠不可重排或重用。
package types

import (
	"fmt"
)

// ============================================================================
// 錯誤碼
// ============================================================================

// ErrorCode 請求結果代碼，數值即線路序號（凍結）
type ErrorCode int32

const (
	Success                ErrorCode = 0
	BadRequest             ErrorCode = 1
	CanceledOperation      ErrorCode = 2
	FeatureNotImplemented  ErrorCode = 3
	FeatureNotSupported    ErrorCode = 4
	ServerError            ErrorCode = 5
	ItemNotFound           ErrorCode = 6
	LibraryError           ErrorCode = 7
	LibraryTooOld          ErrorCode = 8
	NotAuthorizedOperation ErrorCode = 9
	ServiceUnavailable     ErrorCode = 10
	TwinlifeOffline        ErrorCode = 11
	WrongLibraryConfig     ErrorCode = 13
	NoStorageSpace         ErrorCode = 14
	NoPermission           ErrorCode = 15
	LimitReached           ErrorCode = 16
	DatabaseError          ErrorCode = 17
	TimeoutError           ErrorCode = 18
	AccountDeleted         ErrorCode = 19
	Expired                ErrorCode = 22
	InvalidPublicKey       ErrorCode = 23
	InvalidPrivateKey      ErrorCode = 24
	NoPublicKey            ErrorCode = 25
	NoPrivateKey           ErrorCode = 26
	BadSignature           ErrorCode = 27
	BadEncryptionFormat    ErrorCode = 28
	EncryptError           ErrorCode = 29
	DecryptError           ErrorCode = 30
	FileNotFound           ErrorCode = 31
	FileNotSupported       ErrorCode = 32
	BadSignatureFormat     ErrorCode = 33
	BadSignatureMissing    ErrorCode = 34
	BadSignatureNotSigned  ErrorCode = 35
	BadSignatureInvalid    ErrorCode = 36
	UnsupportedSchema      ErrorCode = 37
	InvalidRequestID       ErrorCode = 38
	NotConnected           ErrorCode = 39
	InternalError          ErrorCode = 40
)

var errorCodeNames = map[ErrorCode]string{
	Success:                "SUCCESS",
	BadRequest:             "BAD_REQUEST",
	CanceledOperation:      "CANCELED_OPERATION",
	FeatureNotImplemented:  "FEATURE_NOT_IMPLEMENTED",
	FeatureNotSupported:    "FEATURE_NOT_SUPPORTED_BY_PEER",
	ServerError:            "SERVER_ERROR",
	ItemNotFound:           "ITEM_NOT_FOUND",
	LibraryError:           "LIBRARY_ERROR",
	LibraryTooOld:          "LIBRARY_TOO_OLD",
	NotAuthorizedOperation: "NOT_AUTHORIZED_OPERATION",
	ServiceUnavailable:     "SERVICE_UNAVAILABLE",
	TwinlifeOffline:        "TWINLIFE_OFFLINE",
	WrongLibraryConfig:     "WRONG_LIBRARY_CONFIGURATION",
	NoStorageSpace:         "NO_STORAGE_SPACE",
	NoPermission:           "NO_PERMISSION",
	LimitReached:           "LIMIT_REACHED",
	DatabaseError:          "DATABASE_ERROR",
	TimeoutError:           "TIMEOUT_ERROR",
	AccountDeleted:         "ACCOUNT_DELETED",
	Expired:                "EXPIRED",
	InvalidPublicKey:       "INVALID_PUBLIC_KEY",
	InvalidPrivateKey:      "INVALID_PRIVATE_KEY",
	NoPublicKey:            "NO_PUBLIC_KEY",
	NoPrivateKey:           "NO_PRIVATE_KEY",
	BadSignature:           "BAD_SIGNATURE",
	BadEncryptionFormat:    "BAD_ENCRYPTION_FORMAT",
	EncryptError:           "ENCRYPT_ERROR",
	DecryptError:           "DECRYPT_ERROR",
	FileNotFound:           "FILE_NOT_FOUND",
	FileNotSupported:       "FILE_NOT_SUPPORTED",
	BadSignatureFormat:     "BAD_SIGNATURE_FORMAT",
	BadSignatureMissing:    "BAD_SIGNATURE_MISSING_ATTRIBUTE",
	BadSignatureNotSigned:  "BAD_SIGNATURE_NOT_SIGNED_ATTRIBUTE",
	BadSignatureInvalid:    "BAD_SIGNATURE_INVALID",
	UnsupportedSchema:      "UNSUPPORTED_SCHEMA",
	InvalidRequestID:       "INVALID_REQUEST_ID",
	NotConnected:           "NOT_CONNECTED",
	InternalError:          "INTERNAL_ERROR",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE(%d)", int32(c))
}

// Ordinal 回傳線路序號
func (c ErrorCode) Ordinal() int32 {
	return int32(c)
}

// ErrorCodeFromOrdinal 將線路序號轉回錯誤碼，未知序號回傳 false
func ErrorCodeFromOrdinal(ordinal int32) (ErrorCode, bool) {
	c := ErrorCode(ordinal)
	_, ok := errorCodeNames[c]
	return c, ok
}

// ParseErrorCode 由名稱（例如 "ITEM_NOT_FOUND"）取得錯誤碼
func ParseErrorCode(name string) (ErrorCode, bool) {
	for c, n := range errorCodeNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// ErrorCategory 錯誤分類，決定呼叫端的處理策略
type ErrorCategory int

const (
	CategorySuccess   ErrorCategory = iota // 成功
	CategoryTransient                      // 暫時性：離線或逾時，可由上層重試
	CategoryRequest                        // 請求層級：伺服器明確拒絕，不可重試
	CategoryResource                       // 資源層級：立即回報，請求未送出
)

// Category 回傳錯誤碼所屬分類
func (c ErrorCode) Category() ErrorCategory {
	switch c {
	case Success:
		return CategorySuccess
	case TwinlifeOffline, TimeoutError, NotConnected:
		return CategoryTransient
	case ServiceUnavailable, NoStorageSpace, LimitReached, DatabaseError:
		return CategoryResource
	default:
		return CategoryRequest
	}
}

// Retryable 暫時性錯誤才值得重試
func (c ErrorCode) Retryable() bool {
	return c.Category() == CategoryTransient
}

// RequestError 將錯誤碼包裝成 Go error，RequestID 為 0 表示請求尚未送出
type RequestError struct {
	Code      ErrorCode
	RequestID int64
}

func (e *RequestError) Error() string {
	if e.RequestID == 0 {
		return fmt.Sprintf("request failed: %s", e.Code)
	}
	return fmt.Sprintf("request %d failed: %s", e.RequestID, e.Code)
}

// Is 讓 errors.Is 能以錯誤碼比對
func (e *RequestError) Is(target error) bool {
	t, ok := target.(*RequestError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.RequestID == 0 || t.RequestID == e.RequestID)
}

// NewRequestError 建立 RequestError
func NewRequestError(code ErrorCode, requestID int64) *RequestError {
	return &RequestError{Code: code, RequestID: requestID}
}

// ============================================================================
// 任務優先權
// ============================================================================

// Priority 背景任務的優先權類別，決定任務何時被允許執行
type Priority int

const (
	PriorityConnect    Priority = iota // 連線相關任務，永遠允許
	PriorityForeground                 // 前景或前景服務期間
	PriorityUpdate                     // 線上且前景
	PriorityMessage                    // 線上
	PriorityReport                     // 線上且（前景或前景服務）
)

var priorityNames = [...]string{"CONNECT", "FOREGROUND", "UPDATE", "MESSAGE", "REPORT"}

func (p Priority) String() string {
	if p >= 0 && int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// Priorities 依宣告順序列出所有優先權，供統計與指標使用
func Priorities() []Priority {
	return []Priority{PriorityConnect, PriorityForeground, PriorityUpdate, PriorityMessage, PriorityReport}
}

// ============================================================================
// 連線狀態
// ============================================================================

// ConnectionState 連線狀態機的狀態
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// ============================================================================
// 應用程式生命週期
// ============================================================================

// ApplicationState 宿主應用程式的生命週期狀態
type ApplicationState int

const (
	AppForeground  ApplicationState = iota // 使用者可見
	AppBackground                          // 背景，未被喚醒
	AppWakeupPush                          // 背景中由推播喚醒
	AppWakeupAlarm                         // 背景中由鬧鐘喚醒
	AppSuspended                           // 即將被系統暫停
)

func (s ApplicationState) String() string {
	switch s {
	case AppForeground:
		return "FOREGROUND"
	case AppBackground:
		return "BACKGROUND"
	case AppWakeupPush:
		return "WAKEUP_PUSH"
	case AppWakeupAlarm:
		return "WAKEUP_ALARM"
	case AppSuspended:
		return "SUSPENDED"
	default:
		return fmt.Sprintf("APP_STATE(%d)", int(s))
	}
}

// IsForeground 只有 AppForeground 視為前景
func (s ApplicationState) IsForeground() bool {
	return s == AppForeground
}

// MessagePriority 推播訊息的遞送優先權
type MessagePriority int

const (
	MessagePriorityUnknown MessagePriority = iota
	MessagePriorityNormal
	MessagePriorityHigh
)

func (p MessagePriority) String() string {
	switch p {
	case MessagePriorityNormal:
		return "normal"
	case MessagePriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

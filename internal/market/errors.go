package market

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ConnectErrorKind 连接失败的类别。
type ConnectErrorKind string

const (
	ConnectAuthInvalid        ConnectErrorKind = "AUTH_INVALID"
	ConnectNetworkUnreachable ConnectErrorKind = "NETWORK_UNREACHABLE"
	ConnectTimeout            ConnectErrorKind = "TIMEOUT"
)

// ConnectError 无法建立连接时返回，按退避策略重试。
type ConnectError struct {
	Exchange ExchangeCode
	Kind     ConnectErrorKind
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect failed (%s): %v", e.Exchange, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError 根据底层错误选择类别。
func NewConnectError(exchange ExchangeCode, err error) *ConnectError {
	kind := ConnectNetworkUnreachable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ConnectTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ConnectTimeout
	}
	return &ConnectError{Exchange: exchange, Kind: kind, Err: err}
}

// DataFetchError REST 调用时交易所侧的失败。
type DataFetchError struct {
	Exchange ExchangeCode
	Endpoint string
	Status   int
	Code     string
	Message  string
	Err      error
}

func (e *DataFetchError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s failed status=%d code=%s: %s", e.Exchange, e.Endpoint, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s %s failed status=%d: %s", e.Exchange, e.Endpoint, e.Status, msg)
}

func (e *DataFetchError) Unwrap() error { return e.Err }

// InvalidDataFormatError 单条消息无法映射，丢弃该消息，数据流继续。
type InvalidDataFormatError struct {
	Exchange ExchangeCode
	DataType DataType
	Field    string
	Err      error
}

func (e *InvalidDataFormatError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s %s payload: field %s: %v", e.Exchange, e.DataType, e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %s payload: %v", e.Exchange, e.DataType, e.Err)
}

func (e *InvalidDataFormatError) Unwrap() error { return e.Err }

// RateLimitExceededError 调用方需要等到 RetryAfter。
type RateLimitExceededError struct {
	Account    string
	Endpoint   string
	RetryAfter time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded account=%s endpoint=%s retry_after=%s",
		e.Account, e.Endpoint, e.RetryAfter.UTC().Format(time.RFC3339))
}

// ConfigValidationError 对订阅是致命错误，需要人工修正。
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// UnsupportedDataSourceError 该组合没有适配器或字段映射。
type UnsupportedDataSourceError struct {
	Exchange ExchangeCode
	DataType DataType
}

func (e *UnsupportedDataSourceError) Error() string {
	if e.DataType == "" {
		return fmt.Sprintf("unsupported data source: %s", e.Exchange)
	}
	return fmt.Sprintf("unsupported data source: %s %s", e.Exchange, e.DataType)
}

// OrderBookChecksumError 盘口与交易所校验和不一致，调用方应重新请求快照。
type OrderBookChecksumError struct {
	Symbol   string
	Expected int64
	Actual   int64
}

func (e *OrderBookChecksumError) Error() string {
	return fmt.Sprintf("order book checksum mismatch %s expected=%d actual=%d", e.Symbol, e.Expected, e.Actual)
}

// IsFatal 判断是否为不能自动重试的配置错误。
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigValidationError
	var unsupported *UnsupportedDataSourceError
	if errors.As(err, &cfgErr) || errors.As(err, &unsupported) {
		return true
	}
	var connErr *ConnectError
	return errors.As(err, &connErr) && connErr.Kind == ConnectAuthInvalid
}

// IsRetryable reports transient transport or exchange failures.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		connErr  *ConnectError
		fetchErr *DataFetchError
		rateErr  *RateLimitExceededError
		netErr   net.Error
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &rateErr):
		return true
	case errors.As(err, &fetchErr):
		// 408/418/429 过了等待期可以重试，其余 4xx 重试无意义
		switch fetchErr.Status {
		case 408, 418, 429:
			return true
		}
		return fetchErr.Status < 400 || fetchErr.Status >= 500
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return true
	}
	return false
}

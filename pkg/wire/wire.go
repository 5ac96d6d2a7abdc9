// Package wire implements the external command surface: stable numeric
// command codes, the JSON request/reply envelopes carried in a frame's
// body, and the stable reply error-code table. pkg/api carries these JSON
// bodies over plain HTTP; no framed
// `{command, sequence, req_id, pkg_type, body}` transport is implemented.
package wire

import "github.com/vexchange/matchcore/pkg/bizerr"

// Command is a stable numeric command code.
type Command uint32

const (
	CmdBalanceQuery Command = iota + 1
	CmdBalanceUpdate
	CmdAssetList
	CmdAssetSummary
	CmdOrderPutLimit
	CmdOrderPutMarket
	CmdOrderQuery
	CmdOrderCancel
	CmdOrderBook
	CmdOrderDepth
	CmdOrderDetail
	CmdMarketList
	CmdMarketSummary
	CmdBalanceList
	CmdAdminStatus
	CmdAdminMakeSlice
)

// Method is the string method name used by the JSON body (and exposed over
// HTTP/CLI); it mirrors Command one-to-one.
type Method string

const (
	MethodBalanceQuery    Method = "balance.query"
	MethodBalanceUpdate   Method = "balance.update"
	MethodAssetList       Method = "asset.list"
	MethodAssetSummary    Method = "asset.summary"
	MethodOrderPutLimit   Method = "order.put_limit"
	MethodOrderPutMarket  Method = "order.put_market"
	MethodOrderQuery      Method = "order.query"
	MethodOrderCancel     Method = "order.cancel"
	MethodOrderBook       Method = "order.book"
	MethodOrderDepth      Method = "order.depth"
	MethodOrderDetail     Method = "order.pending_detail"
	MethodMarketList      Method = "market.list"
	MethodMarketSummary   Method = "market.summary"

	// Administrative methods: read-only introspection and the manually
	// triggered snapshot, exposed both to the admin CLI and over this same
	// RPC surface.
	MethodBalanceList   Method = "balance.list"
	MethodAdminStatus   Method = "admin.status"
	MethodAdminMakeSlice Method = "admin.makeslice"
)

var methodToCommand = map[Method]Command{
	MethodBalanceQuery:   CmdBalanceQuery,
	MethodBalanceUpdate:  CmdBalanceUpdate,
	MethodAssetList:      CmdAssetList,
	MethodAssetSummary:   CmdAssetSummary,
	MethodOrderPutLimit:  CmdOrderPutLimit,
	MethodOrderPutMarket: CmdOrderPutMarket,
	MethodOrderQuery:     CmdOrderQuery,
	MethodOrderCancel:    CmdOrderCancel,
	MethodOrderBook:      CmdOrderBook,
	MethodOrderDepth:     CmdOrderDepth,
	MethodOrderDetail:    CmdOrderDetail,
	MethodMarketList:     CmdMarketList,
	MethodMarketSummary:  CmdMarketSummary,
	MethodBalanceList:    CmdBalanceList,
	MethodAdminStatus:    CmdAdminStatus,
	MethodAdminMakeSlice: CmdAdminMakeSlice,
}

// CommandFor resolves a method name to its stable wire code.
func CommandFor(m Method) (Command, bool) {
	c, ok := methodToCommand[m]
	return c, ok
}

// Mutating reports whether m mutates ledger/book state and therefore must
// pass the admission gate and be logged to the operlog.
func (m Method) Mutating() bool {
	switch m {
	case MethodBalanceUpdate, MethodOrderPutLimit, MethodOrderPutMarket, MethodOrderCancel:
		return true
	default:
		return false
	}
}

// Request is the JSON body of a command frame.
type Request struct {
	Method Method `json:"method"`
	Params any    `json:"params"`
	ID     uint64 `json:"id"`
}

// Reply is the JSON body of a command's response.
type Reply struct {
	Error  *ReplyError `json:"error"`
	Result any         `json:"result,omitempty"`
	ID     uint64      `json:"id"`
}

// ReplyError is the `{code, message}` error shape carried in replies.
type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorReply converts any error into the stable reply shape; unrecognized
// errors are reported as InternalError.
func ErrorReply(id uint64, err error) Reply {
	be, ok := bizerr.As(err)
	if !ok {
		return Reply{ID: id, Error: &ReplyError{Code: bizerr.InternalError.Code(), Message: err.Error()}}
	}
	return Reply{ID: id, Error: &ReplyError{Code: be.Kind.Code(), Message: be.Error()}}
}

// OkReply wraps a successful result.
func OkReply(id uint64, result any) Reply {
	return Reply{ID: id, Result: result}
}

package wire

import (
	"errors"
	"testing"

	"github.com/vexchange/matchcore/pkg/bizerr"
)

func TestCommandForCoversEveryMethod(t *testing.T) {
	methods := []Method{
		MethodBalanceQuery, MethodBalanceUpdate, MethodAssetList, MethodAssetSummary,
		MethodOrderPutLimit, MethodOrderPutMarket, MethodOrderQuery, MethodOrderCancel,
		MethodOrderBook, MethodOrderDepth, MethodOrderDetail, MethodMarketList,
		MethodMarketSummary, MethodBalanceList, MethodAdminStatus, MethodAdminMakeSlice,
	}
	seen := make(map[Command]Method)
	for _, m := range methods {
		c, ok := CommandFor(m)
		if !ok {
			t.Errorf("CommandFor(%q) missing", m)
			continue
		}
		if prev, dup := seen[c]; dup {
			t.Errorf("command code %d shared by %q and %q", c, prev, m)
		}
		seen[c] = m
	}
	if _, ok := CommandFor(Method("order.frobnicate")); ok {
		t.Error("CommandFor accepted an unknown method")
	}
}

func TestMutatingOnlyForStateChangingMethods(t *testing.T) {
	mutating := map[Method]bool{
		MethodBalanceUpdate:  true,
		MethodOrderPutLimit:  true,
		MethodOrderPutMarket: true,
		MethodOrderCancel:    true,
	}
	for m := range methodToCommand {
		if got := m.Mutating(); got != mutating[m] {
			t.Errorf("%q.Mutating() = %v, want %v", m, got, mutating[m])
		}
	}
}

func TestErrorReplyMapsBusinessKinds(t *testing.T) {
	err := bizerr.New(bizerr.AmountTooSmall, "order below minimum")
	r := ErrorReply(7, err)
	if r.ID != 7 || r.Error == nil {
		t.Fatalf("reply = %+v", r)
	}
	if r.Error.Code != bizerr.AmountTooSmall.Code() {
		t.Errorf("code = %d, want %d", r.Error.Code, bizerr.AmountTooSmall.Code())
	}
	if r.Error.Message != "order below minimum" {
		t.Errorf("message = %q", r.Error.Message)
	}
}

func TestErrorReplyFallsBackToInternalError(t *testing.T) {
	r := ErrorReply(1, errors.New("disk on fire"))
	if r.Error == nil || r.Error.Code != bizerr.InternalError.Code() {
		t.Fatalf("reply = %+v, want internal-error code", r)
	}
}

func TestOkReplyCarriesResult(t *testing.T) {
	r := OkReply(3, "ok")
	if r.Error != nil || r.ID != 3 || r.Result != "ok" {
		t.Errorf("reply = %+v", r)
	}
}

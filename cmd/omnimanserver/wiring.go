package main

import (
	"github.com/sirupsen/logrus"

	"github.com/omniman/kernel/internal/backends"
	"github.com/omniman/kernel/internal/directives"
	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/engine"
	"github.com/omniman/kernel/internal/refsvc"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
)

// registerExtensions wires the kernel's built-in directive handlers and
// issue resolver against the mock stock/payment backends. A real
// deployment swaps backends.StockBackend/PaymentBackend for its own
// warehouse/PSP integration without touching the registry wiring here.
func registerExtensions(reg *registry.Registry, eng *engine.Engine, st store.Store, log *logrus.Entry) {
	stock := backends.NewMockStock(nil)
	payment := backends.NewMockPayment()

	must(reg.RegisterDirectiveHandler(&directives.StockHoldHandler{
		Engine: eng, Stock: stock, Store: st, Log: log,
	}))
	must(reg.RegisterDirectiveHandler(&directives.StockCommitHandler{
		Stock: stock, Store: st, Log: log,
	}))
	must(reg.RegisterDirectiveHandler(&directives.PaymentCaptureHandler{
		Payment: payment, Store: st, Log: log,
	}))
	must(reg.RegisterDirectiveHandler(&directives.PaymentRefundHandler{
		Payment: payment, Store: st, Log: log,
	}))

	must(reg.RegisterIssueResolver(&engine.StockResolver{Engine: eng}))
}

// newRefTypes declares the ref types the stock deployment ships with: a
// per-store table locator that survives onto the order, and a per-store
// ticket number that may sit on a session or an order and is copied onto
// the order at commit.
func newRefTypes() *refsvc.TypeRegistry {
	types := refsvc.NewTypeRegistry()
	must(types.Register(domain.RefTypeDef{
		Slug:                  "table",
		Label:                 "Table",
		TargetKind:            domain.TargetSession,
		ScopeKeys:             []string{"store"},
		UniqueWhileActive:     true,
		ExpiresOnSessionClose: true,
		CopyToOrder:           true,
	}))
	must(types.Register(domain.RefTypeDef{
		Slug:              "ticket",
		Label:             "Ticket number",
		TargetKind:        domain.TargetBoth,
		ScopeKeys:         []string{"store"},
		UniqueWhileActive: false,
		CopyToOrder:       true,
	}))
	return types
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

package main

import (
	"github.com/omniman/kernel/internal/backends"
	"github.com/omniman/kernel/internal/directives"
	"github.com/omniman/kernel/internal/engine"
	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store"
)

// newWorkerRegistry wires the same built-in directive handlers and
// issue resolver the API server registers, so out-of-process workers
// behave identically to the in-process loop.
func newWorkerRegistry(st store.Store, logger *logging.Logger) *registry.Registry {
	reg := registry.New()
	eng := engine.New(st, reg, logger, nil)
	log := logger.Entry()

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
	return reg
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

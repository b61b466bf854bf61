package main

import (
	"context"
	"log"
	"os"

	"disputeflow/audit"
	"disputeflow/config"
	"disputeflow/db"
	"disputeflow/deadline"
	"disputeflow/dispute"
	"disputeflow/export"
	"disputeflow/network"
	"disputeflow/routing"
)

// logNotifier delivers signals to the process log until a real alerting
// channel is wired in deployment.
type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, sig routing.Signal) error {
	log.Printf("signal %s dispute=%s: %s", sig.Kind, sig.DisputeID, sig.Detail)
	return nil
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	calendar, err := deadline.LoadCalendar(cfg.HolidaysFile)
	if err != nil {
		log.Fatalf("load holiday calendar: %v", err)
	}

	auditLog := audit.NewPGLog(pool)
	machine := dispute.NewMachine(calendar)

	engine := routing.NewEngine(routingConfig(cfg.Routing), nil, logNotifier{}, auditLog)
	engine.WithItemStore(routing.NewPGItemStore(pool))
	if err := engine.Restore(ctx); err != nil {
		log.Fatalf("restore routed items: %v", err)
	}

	service := dispute.NewService(dispute.NewPGStore(pool), auditLog, machine).
		WithRouter(engine).
		WithAlerter(engine).
		WithSubmitter(network.NewSubmitter(pool))

	exportService := export.NewService(export.NewRepository(pool), auditLog, cfg.ExportJWTSecret)

	log.Printf("dispute workflow engine ready: service=%v export=%v", service != nil, exportService != nil)
}

func routingConfig(r config.Routing) routing.Config {
	var reasons []dispute.Reason
	for _, s := range r.AutomatableReasons {
		reasons = append(reasons, dispute.Reason(s))
	}
	return routing.Config{
		ConfidenceThreshold: r.ConfidenceThreshold,
		HighValueMinor:      r.HighValueMinor,
		AutomatableReasons:  reasons,
		SpecialistAckWindow: r.SpecialistAckWindow.Std(),
		ManagerAckWindow:    r.ManagerAckWindow.Std(),
		AutoAckWindow:       r.AutoAckWindow.Std(),
		BacklogThreshold:    r.BacklogThreshold,
		ClassifierTimeout:   r.ClassifierTimeout.Std(),
		NotifyRetries:       r.NotifyRetries,
		NotifyTimeout:       r.NotifyTimeout.Std(),
	}
}

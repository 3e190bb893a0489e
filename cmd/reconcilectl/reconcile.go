package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tiendaflow/api/internal/di"
	"github.com/tiendaflow/api/internal/platform/config"
	"github.com/tiendaflow/api/internal/platform/inbox"
	"github.com/tiendaflow/api/internal/platform/observability"
	"github.com/tiendaflow/api/internal/platform/secrets"
	"github.com/tiendaflow/api/internal/services"
)

type reconcileView struct {
	PaymentID     string `json:"payment_id" yaml:"payment_id"`
	OrderID       string `json:"order_id,omitempty" yaml:"order_id,omitempty"`
	OrderNumber   string `json:"order_number,omitempty" yaml:"order_number,omitempty"`
	GatewayStatus string `json:"gateway_status,omitempty" yaml:"gateway_status,omitempty"`
	Outcome       string `json:"outcome" yaml:"outcome"`
	Status        string `json:"status,omitempty" yaml:"status,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty" yaml:"payment_status,omitempty"`
}

func reconcileCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <payment-id>",
		Short: "Fetch a payment from the gateway and apply it to its order now",
		Long: `Run one reconciliation synchronously using the API configuration
(.env, API_* environment and Secret Manager). The inbox is not touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()

			result, err := runReconcile(ctx, v, args[0])
			if err != nil {
				return err
			}
			view := reconcileView{
				PaymentID:     result.PaymentID,
				OrderID:       result.OrderID,
				OrderNumber:   result.OrderNumber,
				GatewayStatus: result.GatewayStatus,
				Outcome:       string(result.Outcome),
				Status:        string(result.Status),
				PaymentStatus: string(result.PaymentStatus),
			}
			tbl := table{
				header: []string{"PAYMENT", "ORDER", "GATEWAY STATUS", "OUTCOME", "STATUS", "PAYMENT STATUS"},
				rows: [][]string{{
					view.PaymentID, view.OrderNumber, view.GatewayStatus, view.Outcome, view.Status, view.PaymentStatus,
				}},
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), view, tbl)
		},
	}
	cmd.Flags().Duration("timeout", time.Minute, "Overall deadline")
	return cmd
}

func runReconcile(ctx context.Context, v *viper.Viper, paymentID string) (services.ReconcileResult, error) {
	envFile := v.GetString("env-file")
	env, err := config.EnvironmentValues(config.WithEnvFile(envFile))
	if err != nil {
		return services.ReconcileResult{}, fmt.Errorf("read environment: %w", err)
	}

	logger, err := observability.NewLogger(env["API_LOG_LEVEL"])
	if err != nil {
		return services.ReconcileResult{}, err
	}
	defer func() { _ = logger.Sync() }()

	fetcher, err := secrets.NewFetcherFromEnv(ctx, logger, env)
	if err != nil {
		return services.ReconcileResult{}, fmt.Errorf("secret fetcher: %w", err)
	}
	defer func() { _ = fetcher.Close() }()

	cfg, err := config.Load(ctx,
		config.WithEnvFile(envFile),
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	if err != nil {
		return services.ReconcileResult{}, fmt.Errorf("load configuration: %w", err)
	}

	// The running API owns the Pebble lock; a throwaway inbox keeps the container buildable.
	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger.Named("reconcilectl")),
		di.WithInboxStore(inbox.NewMemoryStore()),
	)
	if err != nil {
		return services.ReconcileResult{}, fmt.Errorf("build dependencies: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency shutdown failed", zap.Error(err))
		}
	}()

	result, err := container.Services.Reconcile.Reconcile(ctx, paymentID)
	if err != nil {
		return result, fmt.Errorf("reconcile %s: %w", paymentID, err)
	}
	return result, nil
}

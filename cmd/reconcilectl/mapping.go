package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tiendaflow/api/internal/services"
)

type mappingRow struct {
	GatewayStatus string `json:"gateway_status" yaml:"gateway_status"`
	OrderStatus   string `json:"order_status" yaml:"order_status"`
	PaymentStatus string `json:"payment_status" yaml:"payment_status"`
}

func mappingCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "mapping",
		Short: "Print the gateway status mapping table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := mappingRows()
			tbl := table{header: []string{"GATEWAY STATUS", "ORDER STATUS", "PAYMENT STATUS"}}
			for _, row := range rows {
				tbl.rows = append(tbl.rows, []string{row.GatewayStatus, row.OrderStatus, row.PaymentStatus})
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), rows, tbl)
		},
	}
}

// mappingRows lists the table followed by the fallback row for unknown statuses.
func mappingRows() []mappingRow {
	entries := append(append([]services.PaymentStatusMapping(nil), services.PaymentStatusTable...), services.UnrecognizedPaymentStatus)
	rows := make([]mappingRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, mappingRow{
			GatewayStatus: entry.GatewayStatus,
			OrderStatus:   string(entry.OrderStatus),
			PaymentStatus: string(entry.PaymentStatus),
		})
	}
	return rows
}

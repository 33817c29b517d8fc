package reconcile

import (
	"fmt"

	"topup-reconciler/internal/money"

	"github.com/shopspring/decimal"
)

const (
	approvedTitle = "Top up berhasil"
	rejectedTitle = "Top up ditolak"
)

func approvedBody(currency string, amount, balance decimal.Decimal) string {
	return fmt.Sprintf("Top up sebesar %s sudah masuk ke saldo kamu. Saldo sekarang %s.",
		money.Format(currency, amount), money.Format(currency, balance))
}

func rejectedBody(currency string, amount decimal.Decimal, reason string) string {
	return fmt.Sprintf("Permintaan top up sebesar %s ditolak. Alasan: %s", money.Format(currency, amount), reason)
}

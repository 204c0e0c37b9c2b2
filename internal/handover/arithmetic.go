package handover

import (
	"github.com/shopspring/decimal"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
)

// WithdrawalPolicy splits the declared cash against the operational float.
// Above the float the excess is withdrawn; at or below it nothing is
// withdrawn and the drawer keeps what it has, even if that is less than the
// float.
func WithdrawalPolicy(declared, float decimal.Decimal) (withdraw, keep decimal.Decimal) {
	if declared.GreaterThan(float) {
		return declared.Sub(float), float
	}
	return decimal.Zero, declared
}

func Preview(terminalID string, totals models.SessionTotals, declared, float decimal.Decimal) models.HandoverPreview {
	cashSales := totals.CashSales()
	expected := totals.ExpectedCash()
	withdraw, keep := WithdrawalPolicy(declared, float)
	return models.HandoverPreview{
		TerminalID:       terminalID,
		SessionID:        totals.Session.SessionID,
		UserID:           totals.Session.UserID,
		OpenedAt:         totals.Session.OpenedAt,
		OpeningAmount:    totals.Session.OpeningAmount,
		SalesByMethod:    totals.SalesByMethod,
		CashSales:        cashSales,
		CashIn:           totals.CashIn,
		CashOut:          totals.CashOut,
		ExpectedCash:     expected,
		DeclaredCash:     declared,
		Diff:             declared.Sub(expected),
		AmountToWithdraw: withdraw,
		AmountToKeep:     keep,
		OperationalFloat: float,
	}
}

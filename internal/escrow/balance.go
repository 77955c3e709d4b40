package escrow

import (
	"context"

	"github.com/shopspring/decimal"

	"grandeapp/internal/models"
)

type Badge struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

var UnknownBadge = Badge{Label: "Unknown", Color: "gray"}

var badges = map[models.EscrowStatus]Badge{
	models.EscrowWaitingDeposit:    {Label: "Waiting for deposit", Color: "yellow"},
	models.EscrowFunded:            {Label: "Funded", Color: "green"},
	models.EscrowPendingRelease:    {Label: "Pending release", Color: "blue"},
	models.EscrowProcessingRelease: {Label: "Processing release", Color: "purple"},
	models.EscrowReleased:          {Label: "Released", Color: "teal"},
}

func BadgeFor(status models.EscrowStatus) Badge {
	if b, ok := badges[status]; ok {
		return b
	}
	return UnknownBadge
}

func Terminal(status models.EscrowStatus) bool {
	return status == models.EscrowReleased
}

// Visible reports whether a balance badge should be shown. Finalized pol
// escrows are hidden.
func Visible(status models.EscrowStatus, network string) bool {
	return !(network == "pol" && Terminal(status))
}

// BalanceReader reads an address balance on chain.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}

type BalanceView struct {
	Record         models.EscrowRecord `json:"record"`
	Badge          Badge               `json:"badge"`
	Visible        bool                `json:"visible"`
	Funded         bool                `json:"funded"`
	OnChainBalance *decimal.Decimal    `json:"onChainBalance,omitempty"`
	OnChainError   string              `json:"onChainError,omitempty"`
}

// CheckBalance fetches the escrow once and maps it to a badge. chain may be
// nil; an on-chain read failure is reported in the view, not returned.
func CheckBalance(ctx context.Context, client Client, chain BalanceReader, network, requestID string) (BalanceView, error) {
	rec, err := client.CheckFunded(ctx, requestID)
	if err != nil {
		return BalanceView{}, err
	}
	if rec.Network != "" {
		network = rec.Network
	}

	view := BalanceView{
		Record:  rec,
		Badge:   BadgeFor(rec.EscrowStatus),
		Visible: Visible(rec.EscrowStatus, network),
		Funded:  rec.Funded(),
	}

	if chain != nil && rec.EscrowAddress != "" {
		onChain, err := chain.Balance(ctx, rec.EscrowAddress)
		if err != nil {
			view.OnChainError = err.Error()
		} else {
			view.OnChainBalance = &onChain
		}
	}
	return view, nil
}

package reconcile

// Layout is a known statement layout identified by its column set. Every slot
// must be filled by a distinct canonical column key; a slot lists the keys
// that are accepted for it.
type Layout struct {
	Name  string
	Slots [][]string
}

// Registry holds known layouts in registration order.
type Registry struct {
	layouts []Layout
}

// NewRegistry creates a registry with the given layouts.
func NewRegistry(layouts ...Layout) *Registry {
	r := &Registry{}
	for _, l := range layouts {
		r.Register(l)
	}
	return r
}

// Register appends a layout. Layouts without a name or slots are ignored.
func (r *Registry) Register(l Layout) {
	if l.Name == "" || len(l.Slots) == 0 {
		return
	}
	r.layouts = append(r.layouts, l)
}

// Detect returns the name of the best matching layout for the canonical
// column keys, or nil. The layout with the most slots wins; ties go to the
// layout registered first.
func (r *Registry) Detect(columns []string) *string {
	if r == nil {
		return nil
	}
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	var best *Layout
	for i := range r.layouts {
		l := &r.layouts[i]
		if !l.matches(present) {
			continue
		}
		if best == nil || len(l.Slots) > len(best.Slots) {
			best = l
		}
	}
	if best == nil {
		return nil
	}
	name := best.Name
	return &name
}

func (l *Layout) matches(present map[string]bool) bool {
	used := make(map[string]bool, len(l.Slots))
	for _, slot := range l.Slots {
		filled := false
		for _, key := range slot {
			if present[key] && !used[key] {
				used[key] = true
				filled = true
				break
			}
		}
		if !filled {
			return false
		}
	}
	return true
}

var (
	dateKeys        = []string{"date", "transaction_date", "txn_date", "trans_date", "posting_date", "value_date", "tran_date"}
	descriptionKeys = []string{"description", "particulars", "narration", "details", "transaction_details", "remarks"}
	balanceKeys     = []string{"balance", "running_balance", "closing_balance", "balance_amount"}
)

// DefaultRegistry returns the built-in layouts.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Layout{Name: "barclays_uk", Slots: [][]string{
			{"date"}, {"description"}, {"money_out"}, {"money_in"}, {"balance"},
		}},
		Layout{Name: "hsbc_uk", Slots: [][]string{
			{"date"}, {"payment_type"}, {"details"}, {"paid_out"}, {"paid_in"}, {"balance"},
		}},
		Layout{Name: "lloyds_uk", Slots: [][]string{
			{"date"}, {"description"}, {"type"}, {"money_in"}, {"money_out"}, {"balance"},
		}},
		Layout{Name: "cheque_ledger", Slots: [][]string{
			dateKeys, descriptionKeys,
			{"cheque_no", "chq_no", "cheque_number", "instrument_no", "chq_ref_no"},
			{"debit", "withdrawal", "withdrawals", "dr"},
			{"credit", "deposit", "deposits", "cr"},
			balanceKeys,
		}},
		Layout{Name: "withdrawal_deposit_ledger", Slots: [][]string{
			dateKeys, descriptionKeys,
			{"withdrawal", "withdrawals", "withdrawal_amount"},
			{"deposit", "deposits", "deposit_amount"},
			balanceKeys,
		}},
		Layout{Name: "debit_credit_ledger", Slots: [][]string{
			dateKeys, descriptionKeys,
			{"debit", "debits", "dr", "debit_amount"},
			{"credit", "credits", "cr", "credit_amount"},
			balanceKeys,
		}},
		Layout{Name: "signed_amount_ledger", Slots: [][]string{
			dateKeys, descriptionKeys, {"amount", "transaction_amount"}, balanceKeys,
		}},
	)
}

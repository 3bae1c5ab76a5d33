package settle

// Address validation is a shape check on strkey-encoded addresses: account
// addresses start with G, contract addresses with C, both are 56 chars of
// base32. Checksum verification is left to the ledger; the point here is
// rejecting obvious garbage before a lock is taken or a prompt shown.

const strkeyLen = 56

// ValidAddress reports whether addr looks like an account or contract
// address.
func ValidAddress(addr string) bool {
	if len(addr) != strkeyLen {
		return false
	}
	if addr[0] != 'G' && addr[0] != 'C' {
		return false
	}
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if (c < 'A' || c > 'Z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}

// ValidateRecipients checks every recipient has a well-formed address and a
// strictly positive amount.
func ValidateRecipients(recipients []Recipient) error {
	if len(recipients) == 0 {
		return NewError(KindValidation, "no recipients provided")
	}
	for _, r := range recipients {
		if !ValidAddress(r.Address) {
			return Errorf(KindValidation, "invalid recipient address %q", r.Address)
		}
		if !r.Amount.IsPositive() {
			return Errorf(KindValidation, "amount must be positive for %s", r.Address)
		}
	}
	return nil
}

// ValidateIntent checks the fields every operation kind requires. Balance
// sufficiency is checked separately by the executor against the cached
// snapshot.
func ValidateIntent(intent TransactionIntent) error {
	if intent.ID == "" {
		return NewError(KindValidation, "intent has no id")
	}
	switch intent.Kind {
	case OpPayment, OpBatchTransfer, OpMint:
	default:
		return Errorf(KindValidation, "unknown operation kind %q", intent.Kind)
	}
	if intent.Asset == "" {
		return NewError(KindValidation, "intent has no asset")
	}
	if intent.Kind == OpPayment && len(intent.Recipients) != 1 {
		return NewError(KindValidation, "payment must have exactly one recipient")
	}
	return ValidateRecipients(intent.Recipients)
}

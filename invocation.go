package settle

// BatchInvocation is the wire shape of one batch-transfer contract call:
// parallel recipient and amount vectors, always equal length, plus the
// token contract being moved. The signing bridge turns this into the
// actual host-function payload.
type BatchInvocation struct {
	Contract   string   `json:"contract"`
	Function   string   `json:"function"`
	Token      string   `json:"token"`
	Recipients []string `json:"recipients"`
	Amounts    []string `json:"amounts"`
}

// batchTransferFn is the entrypoint name on the batch-transfer contract.
const batchTransferFn = "batch_transfer"

// BuildBatchInvocation assembles the invocation for one chunk. Recipients
// are validated here so a malformed chunk is caught before the user is
// asked to sign anything.
func BuildBatchInvocation(contract, token string, recipients []Recipient) (BatchInvocation, error) {
	if !ValidAddress(contract) {
		return BatchInvocation{}, NewError(KindValidation, "invalid batch contract address")
	}
	if !ValidAddress(token) {
		return BatchInvocation{}, NewError(KindValidation, "invalid token contract address")
	}
	if err := ValidateRecipients(recipients); err != nil {
		return BatchInvocation{}, err
	}
	if len(recipients) > MaxChunkSize {
		return BatchInvocation{}, Errorf(KindValidation, "chunk of %d exceeds the %d recipient limit", len(recipients), MaxChunkSize)
	}

	inv := BatchInvocation{
		Contract:   contract,
		Function:   batchTransferFn,
		Token:      token,
		Recipients: make([]string, len(recipients)),
		Amounts:    make([]string, len(recipients)),
	}
	for i, r := range recipients {
		inv.Recipients[i] = r.Address
		inv.Amounts[i] = r.Amount.String()
	}
	return inv, nil
}

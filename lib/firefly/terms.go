package firefly

import (
	"fmt"
	"strconv"

	"github.com/tarancss/rgbwallet/lib/rgb"
)

// Rholang terms of the allocation registry. Every contract has one channel holding the JSON list of its allocations;
// the channel name is a quoted string so that it can be rebuilt from the contract id alone.
const (
	// publishTerm sends the first list of a contract.
	publishTerm = `@%[1]s!(%[2]s)`
	// replaceTerm consumes the current list and sends the new one in the same deploy.
	replaceTerm = `for (_ <- @%[1]s) { @%[1]s!(%[2]s) }`
	// lookupTerm peeks at the list without consuming it.
	lookupTerm = `new return in { for (@list <<- @%[1]s) { return!(list) } }`
)

func channel(cid rgb.ContractID) string {
	return strconv.Quote("rgbw:allocations:" + cid.String())
}

// PublishTerm returns the term recording the first allocation list of cid.
func PublishTerm(cid rgb.ContractID, list string) string {
	return fmt.Sprintf(publishTerm, channel(cid), strconv.Quote(list))
}

// ReplaceTerm returns the term replacing the allocation list of cid.
func ReplaceTerm(cid rgb.ContractID, list string) string {
	return fmt.Sprintf(replaceTerm, channel(cid), strconv.Quote(list))
}

// LookupTerm returns the exploratory term reading the allocation list of cid.
func LookupTerm(cid rgb.ContractID) string {
	return fmt.Sprintf(lookupTerm, channel(cid))
}

// Package ledger houses connectivity to the ledgers the treasury operates on:
// named ledger definitions loaded from YAML, asset descriptors, and the Client
// abstraction consumed by the balance oracle, the transaction assembler and
// the submission engine. Concrete EVM access lives in ledger/ethereum and the
// name-to-client mapping in ledger/provider.
package ledger

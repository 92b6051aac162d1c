package core

// SystemLoans is the ledger account operated by the loan coordinator. It
// holds the certificates of loan-bound positions so a borrower cannot settle
// or withdraw around an outstanding loan, and it intermediates every loan
// cash flow.
const SystemLoans = "sys:loans"

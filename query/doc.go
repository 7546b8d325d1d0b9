// Package query is the operational surface over the mailbox stores: paged
// record and attempt queries, the status dictionary, and the explicit resend
// operation that is the only way out of the terminal FAIL state. The HTTP
// handlers are a thin fiber layer over the service.
package query

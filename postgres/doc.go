// Package postgres persists mailbox records and delivery attempts in
// PostgreSQL. Conditional status updates are the only synchronization
// primitive between dispatcher workers; the stores never lock rows.
package postgres

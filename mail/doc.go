// Package mail defines the shared data model of the store-and-forward
// messaging core: outbound and inbound mailbox records, the delivery status
// state machine, the retry ladder policy, and the persistence contracts the
// dispatchers operate through.
package mail

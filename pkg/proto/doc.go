// Package proto holds the vocabulary shared by the broker and its clients: notification records,
// roles, id packing and the error taxonomy with its wire status codes.
package proto

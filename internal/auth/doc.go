// Package auth decides which identity a connecting client may register as.
//
// Two validators are provided:
//   - StaticToken: one shared secret for every client, or none at all
//   - TokenFile: a JSON file of per-client bcrypt token hashes
//
// Identities double as DNS labels when the gateway routes by subdomain, so
// every validator also rejects names that are not valid labels.
package auth

// Package session owns one control stream: the heartbeat exchange, the
// tunnel-id announcements and the connection's disposal.
//
// A Conn is symmetric. The gateway uses it to announce tunnel ids to a
// registered client and the client agent uses it to receive them; both sides
// ping on their own ticker and always answer a PING with a PONG.
//
// Wire format (UTF-8 lines, CRLF terminated):
//
//	PING        heartbeat probe, either direction
//	PONG        heartbeat reply
//	<tunnelId>  gateway -> client, open a data connection presenting this id
package session

// Package client provides the `intelbridge` command-line client.
//
// The CLI speaks the bridge's own app protocol, so it doubles as a
// reference app and a debugging tool for operators.
//
// # Address configuration
//
// Endpoints default to the server defaults and can be overridden by flags
// or the INTELBRIDGE_MANAGE, INTELBRIDGE_PUB and INTELBRIDGE_SUB
// environment variables.
//
// Usage
//
//	# open a session and print the reply
//	intelbridge subscribe --topic sighting --snapshot 7
//
//	# open a session, stream its messages, unsubscribe on Ctrl-C
//	intelbridge subscribe --topic intel --listen --filter 'json.operation == "ADD"'
//
//	# stream messages of an existing session
//	intelbridge listen --token 3f0c... --kind intel --limit 10
//
//	# send a sighting on behalf of a session
//	intelbridge publish --token 3f0c... --kind sighting \
//	    --data '{"ts":"2024-01-01T00:00:00Z","intel":"ioc-1"}'
//
//	intelbridge unsubscribe --token 3f0c...
//
// Notes
//
//   - publish validates the payload locally and refuses unknown fields.
//   - listen subscribes to the token prefix, so snapshot requests and
//     envelopes show up next to regular traffic unless --kind is set.
package client

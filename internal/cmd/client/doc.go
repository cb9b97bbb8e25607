// Package client provides the `streamd stream` command-line client.
//
// The CLI talks to the streamd HTTP gateway. The base URL comes from the
// embedding application via a BaseURLFunc; the standalone binary reads
// STREAMD_URL and defaults to http://127.0.0.1:8080.
//
// Usage
//
//	streamd stream tail --session demo
//	streamd stream tail --session demo --last-event-id demo:41 --filter 'payload.kind == "progress"'
//
//	streamd stream publish --session demo --data '{"step":1}' --metadata '{"source":"cli"}'
//	streamd stream publish --session demo --type complete
//
//	streamd stream replay --session demo --from 10 --to 20
//	streamd stream status --session demo
//	streamd stream gaps   --session demo --from 1
//
//	streamd stream pause  --session demo                   # every connection
//	streamd stream resume --session demo --connection ID   # one connection
//
// Notes
//
//   - tail prints one JSON envelope per line. Control events are hidden
//     unless --all is set.
//   - tail reconnects after the server closes the stream, sending the last
//     primary event id as Last-Event-ID and waiting for the retry hint the
//     server advertised. Admission errors other than 429/503 end the command.
package client

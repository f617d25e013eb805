// Package client provides the Go SDK for the tenantd management API.
//
// A Client addresses instances by tenant key using the server's path form
// (/app/{key}/...). It can read status, trigger a restart, read and merge
// metadata, and forward arbitrary requests:
//
//	cli, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	st, err := cli.Status(ctx, "my-app")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(st.LifecycleState, st.StartCount)
//
// Errors returned by the server decode into *APIError; IsCode matches on the
// error code in the envelope.
package client

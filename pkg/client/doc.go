// Package client is the Go SDK for verifying a genesis proxy from outside.
//
// A verifier fetches the transcript, recomputes its SHA-256 and checks that
// the value matches both the proxy's reported hash and the report data inside
// a hardware quote:
//
//	c, err := client.New("https://claw-tee-dah.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := c.Verify(ctx, client.VerifyOptions{CheckQuote: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !report.OK() {
//	    log.Fatalf("transcript does not verify: %+v", report)
//	}
//
// # Reading the transcript
//
// Transcript returns parsed records; lines that are not valid entries come
// back as Record.Raw. Raw returns the log's exact bytes, which is what the
// hash covers:
//
//	records, _ := c.Transcript(ctx)
//	data, _ := c.Raw(ctx)
//	fmt.Println(client.HashBytes(data))
//
// # Sending instructions
//
// Developers holding the dev key can talk to the agent. The instruction is
// recorded in the transcript before the agent receives it:
//
//	c, _ := client.New(proxyURL, client.WithDevKey(os.Getenv("DEV_KEY")))
//	reply, err := c.Chat(ctx, "summarise your current task")
package client

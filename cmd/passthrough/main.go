// Command passthrough is a minimal analyzer used for local testing and smoke
// runs. It speaks the chunk exchange protocol: connect to the socket, read
// header + payload until EOF, connect again, and write the payload back
// unchanged (header stripped).
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
)

func main() {
	socket := flag.String("socket", "", "unix socket path to exchange the chunk on")
	flag.Parse()

	if *socket == "" {
		fatalf("missing required -socket flag")
	}

	in, err := receiveChunk(*socket)
	if err != nil {
		fatalf("receive chunk: %v", err)
	}

	// First line is the header; echo only the data back.
	payload := in
	if i := bytes.IndexByte(in, '\n'); i >= 0 {
		payload = in[i+1:]
	}

	if err := sendResult(*socket, payload); err != nil {
		fatalf("send result: %v", err)
	}
}

// receiveChunk dials the socket and reads the whole chunk until EOF.
func receiveChunk(socket string) ([]byte, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return io.ReadAll(conn)
}

// sendResult dials the socket a second time and writes the result.
func sendResult(socket string, out []byte) error {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(out)
	return err
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

package ipc

import (
	"path/filepath"
	"testing"
	"time"
)

func pairedConns(t *testing.T) (client, server *Conn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rnsd.sock")
	rpcKey := []byte("test-shared-rpc-key-material-32")

	ln, err := Listen(path, rpcKey)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	serverCh := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		serverCh <- c
	}()

	client, err = Dial(path, rpcKey)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	return client, server
}

func TestConnSendRecvRoundTrip(t *testing.T) {
	client, server := pairedConns(t)
	defer client.Close()
	defer server.Close()

	msg := EncodeCommand(NewPathQueryCommand([]byte{1, 2, 3, 4}))
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	cmd, err := DecodeCommand(got)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Cmd != CmdPathQuery {
		t.Errorf("Cmd = %v, want CmdPathQuery", cmd.Cmd)
	}
	hash, err := ParsePathQueryArgs(cmd.Args)
	if err != nil {
		t.Fatalf("ParsePathQueryArgs: %v", err)
	}
	if string(hash) != "\x01\x02\x03\x04" {
		t.Errorf("hash = %x, want 01020304", hash)
	}
}

func TestConnRejectsWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rnsd.sock")
	ln, err := Listen(path, []byte("server-key-aaaaaaaaaaaaaaaaaaaaa"))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverCh <- c
		}
	}()

	client, err := Dial(path, []byte("wrong-key-bbbbbbbbbbbbbbbbbbbbbb"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-serverCh
	defer server.Close()

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := server.Recv(); err == nil {
		t.Error("expected Recv to fail decrypting a frame sealed with a different key")
	}
}

func TestMultipleFramesPreserveOrder(t *testing.T) {
	client, server := pairedConns(t)
	defer client.Close()
	defer server.Close()

	for i := 0; i < 5; i++ {
		if err := client.Send(EncodeEvent(NewLinkUpEvent([]byte{byte(i)}))); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		raw, err := server.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		evt, err := DecodeEvent(raw)
		if err != nil {
			t.Fatalf("DecodeEvent %d: %v", i, err)
		}
		if evt.Evt != EvtLinkUp {
			t.Errorf("frame %d: Evt = %v, want EvtLinkUp", i, evt.Evt)
		}
		hash, err := decodeHashArg(evt.Args)
		if err != nil {
			t.Fatalf("decodeHashArg %d: %v", i, err)
		}
		if len(hash) != 1 || hash[0] != byte(i) {
			t.Errorf("frame %d: args = %x, want %02x", i, hash, i)
		}
	}
}

func TestRecvRejectsOversizedFrame(t *testing.T) {
	client, server := pairedConns(t)
	defer client.Close()
	defer server.Close()

	// Write a bogus length prefix directly, bypassing Send's real sealing,
	// to exercise the oversized-frame guard on the receive path.
	var big [4]byte
	big[0] = 0xFF
	big[1] = 0xFF
	big[2] = 0xFF
	big[3] = 0xFF
	if _, err := client.conn.Write(big[:]); err != nil {
		t.Fatalf("write bogus length prefix: %v", err)
	}

	if _, err := server.Recv(); err != ErrFrameTooLarge {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	m := CommandMessage{Cmd: CmdSendPacket, Args: []byte("packet-bytes")}
	got, err := DecodeCommand(EncodeCommand(m))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got.Cmd != m.Cmd || string(got.Args) != string(m.Args) {
		t.Errorf("got %+v, want %+v", got, m)
	}
}

func TestDecodeCommandRejectsEmpty(t *testing.T) {
	if _, err := DecodeCommand(nil); err != ErrMalformedMessage {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
}

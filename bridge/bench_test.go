package bridge

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"

	"protocol-bridge/client"
	"protocol-bridge/codec"
	"protocol-bridge/message"
	"protocol-bridge/translator"
)

// One goroutine, one registration per call.
func BenchmarkSerialRegister(b *testing.B) {
	h := startBridge(b, Options{})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		node := "/talker" + strconv.Itoa(i)
		if _, err := h.client.Call(ctx, "registerPublisher", node, "/chatter", "std_msgs/String", "http://"+node+":1"); err != nil {
			b.Fatal(err)
		}
	}
}

// Concurrent registrations all queue on the single backend connection.
func BenchmarkConcurrentRegister(b *testing.B) {
	h := startBridge(b, Options{})
	var seq atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		cli := client.NewClient(h.bridge.URI())
		for pb.Next() {
			node := "/talker" + strconv.FormatInt(seq.Add(1), 10)
			if _, err := cli.Call(context.Background(), "registerPublisher", node, "/chatter", "std_msgs/String", "http://"+node+":1"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Queries answered from the registry never touch the backend.
func BenchmarkConcurrentSystemState(b *testing.B) {
	h := startBridge(b, Options{})
	for i := 0; i < 100; i++ {
		node := "/talker" + strconv.Itoa(i)
		h.call(b, "registerPublisher", node, "/topic"+strconv.Itoa(i%10), "std_msgs/String", "http://"+node+":1")
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		cli := client.NewClient(h.bridge.URI())
		for pb.Next() {
			if _, err := cli.Call(context.Background(), "getSystemState", "/caller"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func benchmarkEnvelope(b *testing.B, ct codec.CodecType) {
	cdc := codec.GetCodec(ct)
	req, err := translator.New("").ToBackend(translator.RegisterPublisher,
		[]any{"/talker", "/chatter", "std_msgs/String", "http://talker:5678"})
	if err != nil {
		b.Fatal(err)
	}
	env, err := message.RequestEnvelope(req)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(env)
		var out message.Envelope
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecJSON(b *testing.B)   { benchmarkEnvelope(b, codec.CodecTypeJSON) }
func BenchmarkCodecBinary(b *testing.B) { benchmarkEnvelope(b, codec.CodecTypeBinary) }

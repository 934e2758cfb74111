package llm

import (
	"context"
	"errors"
	"testing"
)

type fakeAdapter struct {
	name string
	resp Response
	err  error
	got  Request
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Generate(_ context.Context, req Request) (Response, error) {
	f.got = req
	return f.resp, f.err
}

func TestClientRoutesToDefaultProvider(t *testing.T) {
	c := NewClient()
	fake := &fakeAdapter{name: "fake", resp: Response{Text: "hi", TokensIn: 3, TokensOut: 2}}
	c.Register(fake)

	resp, err := c.Generate(context.Background(), Request{
		Model:    "m",
		Messages: []Message{User("hello")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hi" || resp.TokensIn != 3 || resp.TokensOut != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if fake.got.Provider != "fake" {
		t.Fatalf("provider on request = %q", fake.got.Provider)
	}
}

func TestProviderNamesSorted(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "openai"})
	c.Register(&fakeAdapter{name: "dryrun"})

	names := c.ProviderNames()
	if len(names) != 2 || names[0] != "dryrun" || names[1] != "openai" {
		t.Fatalf("names = %v", names)
	}
	if got := (*Client)(nil).ProviderNames(); got != nil {
		t.Fatalf("nil client names = %v", got)
	}
}

func TestClientFillsTokenEstimates(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "fake", resp: Response{Text: "four char groups here"}})

	resp, err := c.Generate(context.Background(), Request{
		Model:    "m",
		Messages: []Message{User("a prompt of some length")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TokensIn != EstimateTokens("a prompt of some length") {
		t.Fatalf("TokensIn = %d", resp.TokensIn)
	}
	if resp.TokensOut != EstimateTokens("four char groups here") {
		t.Fatalf("TokensOut = %d", resp.TokensOut)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "fake"})

	_, err := c.Generate(context.Background(), Request{
		Provider: "nope",
		Model:    "m",
		Messages: []Message{User("x")},
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
}

func TestClientValidatesRequest(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "fake"})

	if _, err := c.Generate(context.Background(), Request{Model: "m"}); err == nil {
		t.Fatal("empty message list should fail validation")
	}
	if _, err := c.Generate(context.Background(), Request{Messages: []Message{User("x")}}); err == nil {
		t.Fatal("empty model should fail validation")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 1 {
		t.Fatalf("empty string estimate = %d, want 1", got)
	}
	if got := EstimateTokens("12345678"); got != 2 {
		t.Fatalf("estimate = %d, want 2", got)
	}
}

package chat

import "testing"

// Test-only hooks for the chat_test package.

type FakeTransport = fakeTransport

var NewFakeTransport = newFakeTransport

func (f *fakeTransport) PushText(text string) { f.pushText(text) }

func (f *fakeTransport) IsClosed() bool { return f.isClosed() }

func (f *fakeTransport) Next(t *testing.T, n int) []Message { return f.next(t, n) }

func (f *fakeTransport) Quiet(t *testing.T) { f.quiet(t) }

package submit

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

type sendClass int

const (
	sendAccepted sendClass = iota
	// sendDuplicate: the node already holds this exact transaction.
	sendDuplicate
	// sendNonceUsed: the nonce is consumed, possibly by this transaction.
	sendNonceUsed
	// sendTransport: the request never reached the node; safe to resend.
	sendTransport
	// sendAmbiguous: the request may have been processed.
	sendAmbiguous
	// sendRejected: the node definitively refused the transaction.
	sendRejected
)

var duplicateMarkers = []string{"already known", "known transaction", "already imported", "alreadyknown"}

var transportMarkers = []string{"connection refused", "connection reset", "no such host", "network is unreachable", "host is unreachable"}

func classify(err error) sendClass {
	if err == nil {
		return sendAccepted
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range duplicateMarkers {
		if strings.Contains(msg, marker) {
			return sendDuplicate
		}
	}
	if strings.Contains(msg, "nonce too low") {
		return sendNonceUsed
	}
	if isTransport(err, msg) {
		return sendTransport
	}
	if isAmbiguous(err) {
		return sendAmbiguous
	}
	return sendRejected
}

func isTransport(err error, msg string) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	for _, marker := range transportMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isAmbiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

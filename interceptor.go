package gnats

import "fmt"

// ProducerInterceptor sees every message before it is written to the
// server. Returning nil drops the message; the publish still succeeds.
//
// The message is not a copy. Use msg.Clone() to keep the original.
type ProducerInterceptor interface {
	OnSend(msg *Msg) *Msg
}

// ConsumerInterceptor sees every message before it reaches a subscription
// handler or NextMsg. Returning nil drops the message for that subscription.
type ConsumerInterceptor interface {
	OnConsume(msg *Msg) *Msg
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Msg) *Msg

// OnSend calls f(msg).
func (f ProducerInterceptorFunc) OnSend(msg *Msg) *Msg { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Msg) *Msg

// OnConsume calls f(msg).
func (f ConsumerInterceptorFunc) OnConsume(msg *Msg) *Msg { return f(msg) }

// runInterceptors passes msg through chain in order and stops at the first
// nil. A panicking interceptor is logged and treated as a pass-through.
func runInterceptors[I any](logger Logger, stage string, chain []I, call func(I, *Msg) *Msg, msg *Msg) *Msg {
	for _, ic := range chain {
		if msg == nil {
			return nil
		}
		msg = callInterceptor(logger, stage, ic, call, msg)
	}
	return msg
}

func callInterceptor[I any](logger Logger, stage string, ic I, call func(I, *Msg) *Msg, msg *Msg) (out *Msg) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(stage+" interceptor panicked", LogFields{
				LogFieldSubject: msg.Subject,
				LogFieldError:   fmt.Sprint(r),
			})
			out = msg
		}
	}()
	return call(ic, msg)
}

func applyProducerInterceptors(logger Logger, chain []ProducerInterceptor, msg *Msg) *Msg {
	return runInterceptors(logger, "producer", chain, ProducerInterceptor.OnSend, msg)
}

func applyConsumerInterceptors(logger Logger, chain []ConsumerInterceptor, msg *Msg) *Msg {
	return runInterceptors(logger, "consumer", chain, ConsumerInterceptor.OnConsume, msg)
}

package fhe

// Observer is notified once per homomorphic operation.
type Observer func(op string)

// Instrumented decorates an Evaluator with an operation observer.
type Instrumented struct {
	Evaluator
	observe Observer
}

// NewInstrumented wraps ev so every operation is reported to observe.
func NewInstrumented(ev Evaluator, observe Observer) *Instrumented {
	return &Instrumented{Evaluator: ev, observe: observe}
}

func (i *Instrumented) Encrypt(v uint64) Uint64 {
	i.observe("encrypt")
	return i.Evaluator.Encrypt(v)
}

func (i *Instrumented) VerifyInput(in Input, sender string) (Uint64, error) {
	i.observe("verify_input")
	return i.Evaluator.VerifyInput(in, sender)
}

func (i *Instrumented) Add(a, b Uint64) Uint64 {
	i.observe("add")
	return i.Evaluator.Add(a, b)
}

func (i *Instrumented) Sub(a, b Uint64) Uint64 {
	i.observe("sub")
	return i.Evaluator.Sub(a, b)
}

func (i *Instrumented) Mul(a, b Uint64) Uint64 {
	i.observe("mul")
	return i.Evaluator.Mul(a, b)
}

func (i *Instrumented) Lt(a, b Uint64) Bool {
	i.observe("lt")
	return i.Evaluator.Lt(a, b)
}

func (i *Instrumented) Gt(a, b Uint64) Bool {
	i.observe("gt")
	return i.Evaluator.Gt(a, b)
}

func (i *Instrumented) Ge(a, b Uint64) Bool {
	i.observe("ge")
	return i.Evaluator.Ge(a, b)
}

func (i *Instrumented) And(a, b Bool) Bool {
	i.observe("and")
	return i.Evaluator.And(a, b)
}

func (i *Instrumented) Select(c Bool, a, b Uint64) Uint64 {
	i.observe("select")
	return i.Evaluator.Select(c, a, b)
}

func (i *Instrumented) Decrypt(ct Ciphertext, principal string) (uint64, error) {
	i.observe("decrypt")
	return i.Evaluator.Decrypt(ct, principal)
}

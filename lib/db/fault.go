package db

// FaultFunc is consulted by engines that support FeatureFaultInjection after
// each operation of a batch has been staged. A non nil error aborts the commit
// and is returned (marked as ErrIo) to the caller.
type FaultFunc func(op Op, index int) error

// FaultInjector is implemented by databases that support FeatureFaultInjection.
type FaultInjector interface {
	// InjectFault installs fn for all following commits. A nil fn removes it.
	InjectFault(fn FaultFunc)
}

// FailAfter returns a FaultFunc that fails once n operations of a batch were staged.
func FailAfter(n int, err error) FaultFunc {
	return func(_ Op, index int) error {
		if index+1 >= n {
			return err
		}
		return nil
	}
}

package session

// optimisticApply mutates a local value, attempts the remote commit, and
// restores the last-confirmed value when the commit is rejected. The rollback
// keeps the cached view consistent with the store instead of trusting an
// unconfirmed write.
func optimisticApply[T any](local *T, mutate func(*T), commit func() error) error {
	prev := *local
	mutate(local)
	if err := commit(); err != nil {
		*local = prev
		return err
	}
	return nil
}

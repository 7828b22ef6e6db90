package models

// All returns every model in migration order.
func All() []interface{} {
	return []interface{}{
		&Team{},
		&Subject{},
		&User{},
		&UserSubject{},
		&Question{},
		&TypesettingHistory{},
		&Notification{},
		&DirectMessage{},
	}
}

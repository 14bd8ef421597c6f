package models

func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&User{}, // Must be first - other tables reference it
		&Category{},
		&Issue{},
		&Comment{},
		&IssueSubscriber{},
		&EventLog{},
		&AppSetting{},
	}
}

package models

// NotificationListQuery is the page/limit pair accepted by GET /notifications.
// Absent parameters keep the defaults from NewNotificationListQuery.
type NotificationListQuery struct {
	Page  int `query:"page" validate:"min=1"`
	Limit int `query:"limit" validate:"min=1,max=100"`
}

func NewNotificationListQuery() NotificationListQuery {
	return NotificationListQuery{Page: 1, Limit: 20}
}

// PostListQuery pages through one author's posts.
type PostListQuery struct {
	Page  int `query:"page" validate:"min=1"`
	Limit int `query:"limit" validate:"min=1,max=50"`
}

func NewPostListQuery() PostListQuery {
	return PostListQuery{Page: 1, Limit: 20}
}

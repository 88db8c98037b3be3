package cache

import "fmt"

const (
	KeyWindowPattern = "window:*"
	KeyCorpus        = "knn:corpus"
	KeyTrains        = "registry:trains"
)

func KeyWindow(train string) string {
	return fmt.Sprintf("window:%s", train)
}

package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrIdentityConflict は同じ(provider, provider_user_id)のidentityが既に存在することを表す。
// 同一ユーザーの初回ログインが並行した場合に発生する。
var ErrIdentityConflict = errors.New("identity already exists")

// isUniqueViolation はPostgreSQLの一意制約違反（23505）かを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

package cache

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线编辑者（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  房间内 userId→displayName（Hash）
// - docsKey():        有编辑者的文档索引（Set<docID>）
// - profileKey(uid):  用户资料缓存（String，JSON 或空值标记）

const (
	keyRoomFmt    = "collab:presence:{doc:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt   = "collab:presence:names:{doc:%s}" // Hash<userId -> displayName>
	keyDocsSet    = "collab:presence:docs"           // Set<docID>
	keyProfileFmt = "collab:profile:%s"              // String
)

func roomKey(docID string) string     { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string    { return fmt.Sprintf(keyNamesFmt, docID) }
func docsKey() string                 { return keyDocsSet }
func profileKey(userID string) string { return fmt.Sprintf(keyProfileFmt, userID) }

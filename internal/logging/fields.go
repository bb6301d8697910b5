package logging

import "go.uber.org/zap"

// Field constructors for the keys every component logs under.

func Account(segment string) zap.Field { return zap.String("account", segment) }

func ItemID(id string) zap.Field { return zap.String("id", id) }

func Op(op string) zap.Field { return zap.String("op", op) }

func RemotePath(p string) zap.Field { return zap.String("path", p) }

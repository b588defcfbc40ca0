package mongoutil

import "IMCore/tools/errs"

// ValidateAndSetDefaults 没给 Uri 时按 Address 拼一个
func (c *Config) ValidateAndSetDefaults() error {
	switch {
	case c.Uri == "" && len(c.Address) == 0:
		return errs.ErrInvalidArgument.WrapMsg("mongo uri or address required")
	case c.Database == "":
		return errs.ErrInvalidArgument.WrapMsg("mongo database required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	if c.Uri == "" {
		c.Uri = buildMongoURI(c)
	}
	return nil
}

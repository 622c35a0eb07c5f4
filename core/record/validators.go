package record

import (
	"fmt"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-sync/core"
)

var (
	syncEntityTag  = "syncentity"
	syncEntityText = "{0} is not a synced entity"

	crudTypeTag  = "crudtype"
	crudTypeText = "{0} must be one of CREATE, UPDATE, DELETE"

	batchSizeTag = "batchsize"
)

// InitValidators registers the sync validators on top of core.InitValidators.
// entities are the entity names clients may sync, maxBatch caps the operations of a push (0: no cap).
func InitValidators(validate *validator.Validate, translator ut.Translator, entities []string, maxBatch int) {
	known := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		known[core.CleanString(e, true /* lower */)] = struct{}{}
	}

	_ = validate.RegisterValidation(syncEntityTag, func(fl validator.FieldLevel) bool {
		_, ok := known[fl.Field().String()]
		return ok
	})
	core.RegisterCustomTranslation(validate, translator, syncEntityTag, syncEntityText)

	_ = validate.RegisterValidation(crudTypeTag, crudTypeValidation)
	core.RegisterCustomTranslation(validate, translator, crudTypeTag, crudTypeText)

	_ = validate.RegisterValidation(batchSizeTag, func(fl validator.FieldLevel) bool {
		return maxBatch <= 0 || fl.Field().Len() <= maxBatch
	})
	core.RegisterCustomTranslation(validate, translator, batchSizeTag, fmt.Sprintf("a push holds at most %d operations", maxBatch))
}

// Custom Validators

func crudTypeValidation(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}
